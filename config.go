package bridge

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"
)

// Version is the build version reported by --version and the command
// interface's welcome banner.
const Version = "0.1.0"

const licenseNotice = `matrixbridge
Copyright (C) the matrixbridge authors

This program is free software: you can redistribute it and/or modify it
under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or (at
your option) any later version. This program comes WITHOUT ANY WARRANTY.`

// DefaultForbiddenEmotes are always excluded, merged with --forbidden-emotes.
var DefaultForbiddenEmotes = []string{
	"MercyWing1", "MercyWing2", "PowerUpL", "PowerUpR",
	"Squid1", "Squid2", "Squid4", "DinoDance",
}

const (
	defaultIRCAddr     = "irc.chat.twitch.tv:6667"
	defaultMatrixHost  = "matrix-reloaded.local"
	defaultCommandPort = 0
)

// Config is the bridge's validated CLI surface. Argument parsing is an
// external collaborator; Config is the struct that surface binds into.
type Config struct {
	Channels        []string
	MatrixHostname  string
	LogLevel        slog.Level
	Quiet           bool
	Silent          bool
	ForbiddenEmotes []string
	ForbiddenUsers  []string
	NoSummation     bool
	Interactive     bool
	CommandPort     int
	Purge           bool

	IRCAddr   string
	IRCUseTLS bool
}

// ParseFlags parses args (normally os.Args[1:]) with a flat flag.FlagSet,
// no subcommands, no third-party CLI framework, and validates the
// cross-flag constraints below. A parse or validation failure is an
// argument error (exit code 2 at the call site).
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("matrixbridge", flag.ContinueOnError)

	hostname := fs.String("matrix-hostname", defaultMatrixHost, "LED matrix display HTTP ingest hostname[:port]")
	logLevel := fs.String("log-level", "INFO", "minimum log level: TRACE, DEBUG, INFO, SUCCESS, WARNING, ERROR, CRITICAL")
	quiet := fs.Bool("quiet", false, "send all logging to stderr")
	fs.BoolVar(quiet, "q", false, "shorthand for --quiet")
	silent := fs.Bool("silent", false, "disable console logging entirely")
	fs.BoolVar(silent, "s", false, "shorthand for --silent")
	forbiddenEmotes := fs.String("forbidden-emotes", "", "comma-separated Twitch emote ids to never display, merged with the built-in defaults")
	forbiddenUsers := fs.String("forbidden-users", "", "comma-separated Twitch usernames whose messages are never analyzed")
	noSummation := fs.Bool("no-summation", false, "collapse repeated occurrences of the same image within one message")
	fs.BoolVar(noSummation, "u", false, "shorthand for --no-summation")
	interactive := fs.Bool("interactive", false, "do not require a channel list on the command line; wait for JOIN over the command interface")
	fs.BoolVar(interactive, "i", false, "shorthand for --interactive")
	commandPort := fs.Int("command-port", defaultCommandPort, "TCP port for the operator command interface")
	purge := fs.Bool("purge", false, "delete the on-disk image cache directory and exit")
	version := fs.Bool("version", false, "print the build version and exit")
	license := fs.Bool("license", false, "print license information and exit")
	ircAddr := fs.String("irc-addr", defaultIRCAddr, "TMI server address")
	ircTLS := fs.Bool("irc-tls", false, "connect to the TMI server over TLS")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *version {
		return nil, errExit{code: 0, message: Version}
	}
	if *license {
		return nil, errExit{code: 0, message: licenseNotice}
	}

	var channels []string
	if rest := fs.Args(); len(rest) > 0 {
		for _, c := range strings.Split(rest[0], ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				channels = append(channels, normalizeChannel(c))
			}
		}
	}

	cfg := &Config{
		Channels:        channels,
		MatrixHostname:  *hostname,
		LogLevel:        parseLogLevel(*logLevel),
		Quiet:           *quiet,
		Silent:          *silent,
		ForbiddenEmotes: splitNonEmpty(*forbiddenEmotes),
		ForbiddenUsers:  splitNonEmpty(*forbiddenUsers),
		NoSummation:     *noSummation,
		Interactive:     *interactive,
		CommandPort:     *commandPort,
		Purge:           *purge,
		IRCAddr:         *ircAddr,
		IRCUseTLS:       *ircTLS,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the cross-flag constraints: --interactive requires
// --command-port, and chan is required unless --interactive.
func (c *Config) Validate() error {
	if c.Purge {
		return nil
	}
	if c.Interactive && c.CommandPort == 0 {
		return fmt.Errorf("--interactive requires --command-port")
	}
	if !c.Interactive && len(c.Channels) == 0 {
		return fmt.Errorf("chan is required unless --interactive")
	}
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "SUCCESS":
		return LevelSuccess
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// errExit signals a requested early, successful exit (--version,
// --license) through the ParseFlags error return, distinguishing it from
// a real argument error at the call site.
type errExit struct {
	code    int
	message string
}

func (e errExit) Error() string { return e.message }

// ExitCode returns the process exit code for an error returned by
// ParseFlags, and whether err was an errExit (0, printed to stdout) as
// opposed to a genuine argument error (2, printed to stderr).
func ExitCode(err error) (code int, isExit bool, message string) {
	if ee, ok := err.(errExit); ok {
		return ee.code, true, ee.message
	}
	return 2, false, err.Error()
}
