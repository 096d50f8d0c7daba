// ABOUTME: Emoji normalization for reaction bucketing.
// ABOUTME: Hand-rolled: no grapheme/emoji-normalization library is in the pack.

package aggregator

import "strings"

// skinToneModifiers are the Fitzpatrix scale modifier codepoints (U+1F3FB -
// U+1F3FF); stripping them buckets "thumbs up, any skin tone" together, the
// same grouping the original reaction handler's emoji bucketing produced.
var skinToneModifiers = []rune{
	0x1F3FB, 0x1F3FC, 0x1F3FD, 0x1F3FE, 0x1F3FF,
}

// variationSelectors are text/emoji presentation hints (VS15/VS16) that are
// visually and semantically irrelevant to which emoji was picked.
var variationSelectors = []rune{0xFE0E, 0xFE0F}

// knownAliases maps common ASCII/shortcode reaction spellings to the emoji
// rune they mean, so a "+1" reaction and a "👍" reaction bucket together.
var knownAliases = map[string]string{
	"+1":         "\U0001F44D",
	":+1:":       "\U0001F44D",
	":thumbsup:": "\U0001F44D",
	"-1":         "\U0001F44E",
	":-1:":       "\U0001F44E",
	":heart:":    "❤️",
	"<3":         "❤️",
}

// NormalizeEmoji canonicalizes a reaction's raw content into a stable
// bucketing key: known ASCII aliases are mapped to their emoji, then skin
// tone modifiers and variation selectors are stripped so cosmetic variants
// of the same emoji fold into one bucket. The original display string (as
// typed by the reactor) is preserved separately in EmojiReaction.Emoji.
func NormalizeEmoji(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if mapped, ok := knownAliases[trimmed]; ok {
		trimmed = mapped
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if isSkinToneModifier(r) || isVariationSelector(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isSkinToneModifier(r rune) bool {
	for _, m := range skinToneModifiers {
		if r == m {
			return true
		}
	}
	return false
}

func isVariationSelector(r rune) bool {
	for _, v := range variationSelectors {
		if r == v {
			return true
		}
	}
	return false
}
