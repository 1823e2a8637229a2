package policy

import "regexp"

// Chat text arrives typed or as a speech transcript, where recognizers spell
// addresses out ("jane at example dot com").
var redactions = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._\-]+(?: dot [a-z0-9\-]+)* at [a-z0-9\-]+(?: dot [a-z0-9\-]+)* dot [a-z]{2,}\b`), "[REDACTED_EMAIL]"},
	// Cards before phones, or a card number reads as a phone number.
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in user text before
// it is logged.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}
