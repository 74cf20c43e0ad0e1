package bridge

import "testing"

func TestTwitchEmoteKeyDefaults(t *testing.T) {
	k := NewTwitchEmoteKey("25", "", "", "")
	if got, want := k.Fingerprint(), "twitch_25_animated_dark_3.0"; got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}
	if got, want := k.Extension(), "gif"; got != want {
		t.Errorf("Extension() = %q, want %q", got, want)
	}
	if got, want := k.SourceURL(), "https://static-cdn.jtvnw.net/emoticons/v2/25/animated/dark/3.0"; got != want {
		t.Errorf("SourceURL() = %q, want %q", got, want)
	}
}

func TestTwitchEmoteKeyStaticExtension(t *testing.T) {
	k := NewTwitchEmoteKey("25", ThemeLight, Scale1x, FormatStatic)
	if got, want := k.Extension(), "png"; got != want {
		t.Errorf("Extension() = %q, want %q", got, want)
	}
}

func TestEmojiKeyFingerprint(t *testing.T) {
	k := NewEmojiKey([]rune{0x1F600})
	if got, want := k.Fingerprint(), "emoji_1f600"; got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}
}

func TestEmojiKeyNFCCollapsesEquivalentEncodings(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) NFC-normalizes to U+00E9 (é).
	a := NewEmojiKey([]rune{0x65, 0x301})
	b := NewEmojiKey([]rune{0xE9})
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("expected NFC-equivalent sequences to collapse: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
}

func TestEmojiKeyZWJSequenceStaysOneKey(t *testing.T) {
	// family: man, woman, girl, boy joined by ZWJ - a 7-rune sequence.
	seq := []rune{0x1F468, 0x200D, 0x1F469, 0x200D, 0x1F467, 0x200D, 0x1F466}
	k := NewEmojiKey(seq)
	if got := k.Codepoints(); len(got) != len(seq) {
		t.Errorf("expected ZWJ sequence preserved as one key with %d codepoints, got %d", len(seq), len(got))
	}
}

func TestKeysEqual(t *testing.T) {
	a := NewTwitchEmoteKey("25", "", "", "")
	b := NewTwitchEmoteKey("25", ThemeDark, Scale3x, FormatAnimated)
	c := NewTwitchEmoteKey("88", "", "", "")
	if !keysEqual(a, b) {
		t.Error("expected identical defaulted/explicit keys to be equal")
	}
	if keysEqual(a, c) {
		t.Error("expected different ids to be unequal")
	}
}
