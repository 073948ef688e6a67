package policy

import (
	"regexp"
	"strings"
)

// FactDecision says whether a candidate memory fact may be stored.
type FactDecision struct {
	Allowed bool
	Reason  string
}

var secretFactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(password|passphrase|passcode|pin code)\b`),
	regexp.MustCompile(`(?i)\b(api[_ -]?key|access[_ -]?token|secret|private key|client[_ -]?secret)\b`),
	regexp.MustCompile(`(?i)\b(ssn|social security number)\b`),
}

const maxFactLength = 500

// ScreenFact rejects facts that carry credentials or are unusably long.
// Redaction is applied separately; a screened fact is never stored even in
// redacted form.
func ScreenFact(text string) FactDecision {
	in := strings.TrimSpace(text)
	if in == "" {
		return FactDecision{Reason: "empty"}
	}
	if len(in) > maxFactLength {
		return FactDecision{Reason: "too long"}
	}
	for _, p := range secretFactPatterns {
		if p.MatchString(in) {
			return FactDecision{Reason: "mentions a secret"}
		}
	}
	return FactDecision{Allowed: true}
}
