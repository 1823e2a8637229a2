package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechFenceLinePattern    = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_+-]*[ \t]*$")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	speechIntrawordUnderscore = regexp.MustCompile(`([\p{L}\p{N}])_+([\p{L}\p{N}])`)
)

var speechMarkupReplacer = strings.NewReplacer(
	"```", " ",
	"*", "",
	"_", "",
	"`", "",
	"#", "",
	">", "",
	"~", "",
	"[", "",
	"]", "",
)

// CleanSpeechText strips markdown decoration from assistant text so neither
// synthesis path reads formatting syntax aloud. Code and link labels are kept
// as words; markers, emoji and control characters are dropped.
func CleanSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFenceLinePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechIntrawordUnderscore.ReplaceAllString(raw, "$1 $2")
	raw = speechMarkupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '‍' || r == '️' || r == '⃣':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sk, unicode.Cs):
			// Emoji and modifier glyphs sound unnatural when spoken.
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}
