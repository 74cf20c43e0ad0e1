package bridge

import (
	"log/slog"
	"testing"
)

func TestParseFlagsChannelRequiredUnlessInteractive(t *testing.T) {
	if _, err := ParseFlags([]string{}); err == nil {
		t.Error("expected error for missing channel and no --interactive")
	}
	if _, err := ParseFlags([]string{"somechannel"}); err != nil {
		t.Errorf("unexpected error with a channel given: %v", err)
	}
}

func TestParseFlagsInteractiveRequiresCommandPort(t *testing.T) {
	if _, err := ParseFlags([]string{"--interactive"}); err == nil {
		t.Error("expected error for --interactive without --command-port")
	}
	cfg, err := ParseFlags([]string{"--interactive", "--command-port", "9999"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Interactive || cfg.CommandPort != 9999 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseFlagsChannelNormalization(t *testing.T) {
	cfg, err := ParseFlags([]string{"SomeChannel"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != "#somechannel" {
		t.Errorf("Channels = %v, want [#somechannel]", cfg.Channels)
	}
}

func TestParseFlagsMultipleChannels(t *testing.T) {
	cfg, err := ParseFlags([]string{"a,b, c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"#a", "#b", "#c"}
	if len(cfg.Channels) != len(want) {
		t.Fatalf("Channels = %v, want %v", cfg.Channels, want)
	}
	for i := range want {
		if cfg.Channels[i] != want[i] {
			t.Errorf("Channels[%d] = %q, want %q", i, cfg.Channels[i], want[i])
		}
	}
}

func TestParseFlagsForbiddenListsSplit(t *testing.T) {
	cfg, err := ParseFlags([]string{"--forbidden-emotes", "1,2, 3", "--forbidden-users", "nightbot, streamelements", "chan"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.ForbiddenEmotes) != 3 {
		t.Errorf("ForbiddenEmotes = %v", cfg.ForbiddenEmotes)
	}
	if len(cfg.ForbiddenUsers) != 2 || cfg.ForbiddenUsers[0] != "nightbot" {
		t.Errorf("ForbiddenUsers = %v", cfg.ForbiddenUsers)
	}
}

func TestParseFlagsVersionAndLicenseExitEarly(t *testing.T) {
	_, err := ParseFlags([]string{"--version"})
	if err == nil {
		t.Fatal("expected errExit for --version")
	}
	code, isExit, message := ExitCode(err)
	if code != 0 || !isExit || message != Version {
		t.Errorf("ExitCode = %d, %v, %q", code, isExit, message)
	}

	_, err = ParseFlags([]string{"--license"})
	if err == nil {
		t.Fatal("expected errExit for --license")
	}
	code, isExit, _ = ExitCode(err)
	if code != 0 || !isExit {
		t.Errorf("ExitCode for --license = %d, %v", code, isExit)
	}
}

func TestParseFlagsArgumentErrorExitCode(t *testing.T) {
	_, err := ParseFlags([]string{})
	if err == nil {
		t.Fatal("expected error")
	}
	code, isExit, _ := ExitCode(err)
	if code != 2 || isExit {
		t.Errorf("ExitCode for argument error = %d, %v, want 2, false", code, isExit)
	}
}

func TestParseLogLevelMapping(t *testing.T) {
	cases := map[string]slog.Level{
		"TRACE":    LevelTrace,
		"DEBUG":    slog.LevelDebug,
		"SUCCESS":  LevelSuccess,
		"WARNING":  slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": slog.LevelError,
		"INFO":     slog.LevelInfo,
		"garbage":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigValidatePurgeBypassesOtherChecks(t *testing.T) {
	cfg := &Config{Purge: true}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected --purge to bypass validation, got %v", err)
	}
}
