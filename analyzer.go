package bridge

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/rivo/uniseg"
)

// emoteSpan is one decoded range from the IRC v3 "emotes" tag: the
// inclusive UTF-16 code-unit span [Start, End] occupied by one occurrence
// of the Twitch emote identified by ID.
type emoteSpan struct {
	ID         string
	Start, End int // UTF-16 code-unit indices, inclusive, per Twitch's convention
}

// parseEmotesTag decodes the "emotes" IRCv3 tag value:
// "<id>:<start>-<end>{,<start>-<end>}{/<id>:...}".
func parseEmotesTag(tag string) ([]emoteSpan, error) {
	if tag == "" {
		return nil, nil
	}
	var spans []emoteSpan
	for _, entry := range strings.Split(tag, "/") {
		if entry == "" {
			continue
		}
		id, ranges, ok := strings.Cut(entry, ":")
		if !ok || id == "" || ranges == "" {
			return nil, &ProtocolError{Component: "MessageAnalyzer", Line: entry, Err: strconv.ErrSyntax}
		}
		for _, r := range strings.Split(ranges, ",") {
			startStr, endStr, ok := strings.Cut(r, "-")
			if !ok {
				return nil, &ProtocolError{Component: "MessageAnalyzer", Line: r, Err: strconv.ErrSyntax}
			}
			start, err := strconv.Atoi(startStr)
			if err != nil {
				return nil, &ProtocolError{Component: "MessageAnalyzer", Line: r, Err: err}
			}
			end, err := strconv.Atoi(endStr)
			if err != nil {
				return nil, &ProtocolError{Component: "MessageAnalyzer", Line: r, Err: err}
			}
			spans = append(spans, emoteSpan{ID: id, Start: start, End: end})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans, nil
}

// MessageTags is the subset of IRCv3 PRIVMSG tags the analyzer consumes.
type MessageTags struct {
	Emotes    string
	EmoteOnly bool
}

// AnalyzerOptions configures token extraction.
type AnalyzerOptions struct {
	NoSummation     bool
	ForbiddenEmotes map[string]bool
}

// AnalyzeMessage extracts an ordered sequence of ImageKey occurrences from
// one PRIVMSG's tags and text: emote spans (decoded from the "emotes" tag,
// indexed by UTF-16 code unit per Twitch's surrogate-sensitive convention)
// take precedence over emoji matching at the same position; emoji matching
// is greedy-longest over extended grapheme clusters; anything else advances
// one grapheme.
//
// Sender filtering (forbidden_users) happens upstream of this function —
// callers must not invoke it for messages from forbidden senders.
func AnalyzeMessage(text string, tags MessageTags, opts AnalyzerOptions) ([]ImageKey, error) {
	spans, err := parseEmotesTag(tags.Emotes)
	if err != nil {
		return nil, err
	}

	clusters := segmentGraphemes(text)

	var tokens []ImageKey
	nextSpan := 0
	i := 0
	for i < len(clusters) {
		c := clusters[i]

		for nextSpan < len(spans) && spans[nextSpan].End < c.utf16Start {
			nextSpan++
		}

		if nextSpan < len(spans) && c.utf16Start >= spans[nextSpan].Start && c.utf16Start <= spans[nextSpan].End {
			span := spans[nextSpan]
			if !opts.ForbiddenEmotes[span.ID] {
				tokens = append(tokens, NewTwitchEmoteKey(span.ID, "", "", ""))
			}
			// Jump past the whole range: advance i until the next
			// cluster starts beyond span.End.
			for i < len(clusters) && clusters[i].utf16Start <= span.End {
				i++
			}
			nextSpan++
			continue
		}

		if !tags.EmoteOnly && clusterIsEmoji(c.text) {
			// ForbiddenEmotes holds Twitch emote IDs, never emoji
			// fingerprints, so there is no forbidding check here.
			key := NewEmojiKey(stripNonZWJVariationSelectors(c.runes))
			tokens = append(tokens, key)
		}

		i++
	}

	if opts.NoSummation {
		tokens = dedupeKeys(tokens)
	}
	return tokens, nil
}

// cluster is one extended grapheme cluster of a message, annotated with
// its UTF-16 code-unit offset so it can be compared against emote-tag
// spans (Twitch's surrogate-sensitive indexing convention).
type cluster struct {
	runes      []rune
	text       string
	utf16Start int
}

// segmentGraphemes splits text into extended grapheme clusters via
// uniseg, recording each one's starting UTF-16 offset.
func segmentGraphemes(text string) []cluster {
	var clusters []cluster
	offset := 0
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		runes := gr.Runes()
		clusters = append(clusters, cluster{runes: runes, text: string(runes), utf16Start: offset})
		offset += utf16RuneSpanLen(runes)
	}
	return clusters
}

// utf16RuneSpanLen sums the UTF-16 code-unit length of each rune in a
// grapheme cluster (2 for runes outside the Basic Multilingual Plane, 1
// otherwise), matching Twitch's span indexing convention.
func utf16RuneSpanLen(runes []rune) int {
	n := 0
	for _, r := range runes {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}

// stripNonZWJVariationSelectors removes the text- and emoji-presentation
// variation selectors (U+FE0E, U+FE0F) from a cluster that does not itself contain a
// ZWJ: drop the presentation specifier when there is no zero-width joiner.
// ZWJ sequences keep their selectors since those participate in the
// canonical sequence.
func stripNonZWJVariationSelectors(runes []rune) []rune {
	hasZWJ := false
	for _, r := range runes {
		if r == 0x200D {
			hasZWJ = true
			break
		}
	}
	if hasZWJ {
		return runes
	}
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if r == 0xFE0E || r == 0xFE0F {
			continue
		}
		out = append(out, r)
	}
	return out
}

// clusterIsEmoji reports whether a grapheme cluster contains at least one
// code point in an emoji presentation range. This is a pragmatic subset of
// the Unicode emoji data (main emoji blocks, regional indicators for
// flags, keycap base digits, and the combining marks that extend them)
// rather than the full emoji-data.txt property table.
func clusterIsEmoji(s string) bool {
	for _, r := range s {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF: // misc symbols, pictographs, emoticons, supplemental
			return true
		case r >= 0x2600 && r <= 0x27BF: // misc symbols & dingbats
			return true
		case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators (flags)
			return true
		case r == 0x203C || r == 0x2049: // !? combinations
			return true
		case r >= 0x2190 && r <= 0x21FF: // arrows used as emoji in some sets
			return true
		case r == 0x20E3: // combining enclosing keycap
			return true
		case r >= 0x1F000 && r <= 0x1F0FF: // mahjong/playing cards, historically emoji-adjacent
			return true
		}
	}
	return false
}

// dedupeKeys implements --no-summation's emission-time policy: collapse
// consecutive and non-consecutive repeats of the same key within one
// message to a single occurrence, preserving first-occurrence order.
func dedupeKeys(tokens []ImageKey) []ImageKey {
	seen := make(map[string]bool, len(tokens))
	out := make([]ImageKey, 0, len(tokens))
	for _, t := range tokens {
		fp := t.Fingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, t)
	}
	return out
}
