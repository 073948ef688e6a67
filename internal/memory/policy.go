package memory

import (
	"strings"

	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/policy"
)

// Rejection records a candidate that was not kept.
type Rejection struct {
	Text   string
	Reason string
}

// Filter turns raw candidates into facts ready to store: trimmed, screened
// for secrets, PII-redacted and not already known for the user. Duplicates
// are compared case-insensitively after redaction.
func Filter(candidates []string, known []conversation.MemoryFact) (keep []string, rejected []Rejection) {
	seen := make(map[string]struct{}, len(known)+len(candidates))
	for _, f := range known {
		seen[normalize(f.Text)] = struct{}{}
	}
	for _, c := range candidates {
		c = strings.Trim(strings.TrimSpace(c), ".,;")
		if d := policy.ScreenFact(c); !d.Allowed {
			rejected = append(rejected, Rejection{Text: c, Reason: d.Reason})
			continue
		}
		red, _ := policy.RedactPII(c)
		k := normalize(red)
		if _, dup := seen[k]; dup {
			rejected = append(rejected, Rejection{Text: c, Reason: "duplicate"})
			continue
		}
		seen[k] = struct{}{}
		keep = append(keep, red)
	}
	return keep, rejected
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
