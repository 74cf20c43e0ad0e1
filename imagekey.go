package bridge

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// EmoteTheme is the visual theme variant of a Twitch emote.
type EmoteTheme string

const (
	ThemeLight EmoteTheme = "light"
	ThemeDark  EmoteTheme = "dark"
)

// EmoteScale is the pixel scale variant of a Twitch emote.
type EmoteScale string

const (
	Scale1x EmoteScale = "1.0"
	Scale2x EmoteScale = "2.0"
	Scale3x EmoteScale = "3.0"
)

// EmoteFormat selects a static or animated rendition of an emote.
type EmoteFormat string

const (
	FormatStatic   EmoteFormat = "static"
	FormatAnimated EmoteFormat = "animated"
)

// ImageKey addresses one resolvable image: a Twitch emote or an emoji. It is
// a tagged variant, constructed only through NewTwitchEmoteKey or
// NewEmojiKey so every instance is already in canonical form. Fingerprint is
// the stable identity used as cache filename and ranking key.
type ImageKey interface {
	Fingerprint() string
	SourceURL() string
	Extension() string
}

// TwitchEmoteKey identifies a Twitch emote rendition.
type TwitchEmoteKey struct {
	id     string
	theme  EmoteTheme
	scale  EmoteScale
	format EmoteFormat
}

// NewTwitchEmoteKey constructs a TwitchEmoteKey, applying default rendition
// settings (dark theme, 3.0 scale, animated format) to any zero-valued
// field.
func NewTwitchEmoteKey(id string, theme EmoteTheme, scale EmoteScale, format EmoteFormat) TwitchEmoteKey {
	if theme == "" {
		theme = ThemeDark
	}
	if scale == "" {
		scale = Scale3x
	}
	if format == "" {
		format = FormatAnimated
	}
	return TwitchEmoteKey{id: id, theme: theme, scale: scale, format: format}
}

func (k TwitchEmoteKey) Fingerprint() string {
	return fmt.Sprintf("twitch_%s_%s_%s_%s", k.id, k.format, k.theme, k.scale)
}

// SourceURL returns the Twitch static CDN URL for this emote rendition.
// https://static-cdn.jtvnw.net/emoticons/v2/<id>/<format>/<theme>/<scale>
func (k TwitchEmoteKey) SourceURL() string {
	return fmt.Sprintf("https://static-cdn.jtvnw.net/emoticons/v2/%s/%s/%s/%s", k.id, k.format, k.theme, k.scale)
}

func (k TwitchEmoteKey) Extension() string {
	if k.format == FormatAnimated {
		return "gif"
	}
	return "png"
}

// ID returns the underlying Twitch emote id.
func (k TwitchEmoteKey) ID() string { return k.id }

// EmojiKey identifies a Unicode emoji by its canonical code-point sequence.
type EmojiKey struct {
	codepoints []rune
}

// NewEmojiKey NFC-normalizes the grapheme's code points before storing them,
// so visually-identical sequences that differ only in combining-mark
// encoding collapse onto one key. NFC leaves variation selectors in place;
// the analyzer strips them from non-ZWJ clusters before calling this.
func NewEmojiKey(codepoints []rune) EmojiKey {
	normalized := []rune(norm.NFC.String(string(codepoints)))
	cp := make([]rune, len(normalized))
	copy(cp, normalized)
	return EmojiKey{codepoints: cp}
}

func (k EmojiKey) Fingerprint() string {
	codes := make([]string, len(k.codepoints))
	for i, c := range k.codepoints {
		codes[i] = fmt.Sprintf("%x", c)
	}
	return "emoji_" + strings.Join(codes, "-")
}

// SourceURL returns the Twemoji bitmap CDN path for this emoji.
func (k EmojiKey) SourceURL() string {
	codes := make([]string, len(k.codepoints))
	for i, c := range k.codepoints {
		codes[i] = fmt.Sprintf("%x", c)
	}
	name := strings.Join(codes, "-")
	return "https://cdn.jsdelivr.net/gh/toine512/twemoji-bitmaps@main/128x128_png32/" + name + ".png"
}

func (k EmojiKey) Extension() string { return "png" }

// Codepoints returns the normalized code-point sequence.
func (k EmojiKey) Codepoints() []rune {
	cp := make([]rune, len(k.codepoints))
	copy(cp, k.codepoints)
	return cp
}

// keysEqual reports whether two ImageKeys have the same identity.
func keysEqual(a, b ImageKey) bool {
	return a.Fingerprint() == b.Fingerprint()
}
