// Package memory decides which durable facts about a user are worth keeping
// after an exchange.
package memory

import (
	"context"
	"regexp"
	"strings"
)

// Exchange is one persisted user/assistant pair.
type Exchange struct {
	UserID        string
	SessionID     string
	UserText      string
	AssistantText string
}

// Extractor proposes candidate facts from an exchange.
type Extractor interface {
	Extract(ctx context.Context, ex Exchange) ([]string, error)
}

type ExtractorFunc func(ctx context.Context, ex Exchange) ([]string, error)

func (f ExtractorFunc) Extract(ctx context.Context, ex Exchange) ([]string, error) {
	return f(ctx, ex)
}

type extractionRule struct {
	pattern *regexp.Regexp
	render  func(m []string) string
}

var defaultRules = []extractionRule{
	{
		pattern: regexp.MustCompile(`(?i)\bremember(?: that)?\s+(.+)`),
		render:  func(m []string) string { return m[1] },
	},
	{
		pattern: regexp.MustCompile(`(?i)\bmy name is\s+([\p{L}][\p{L}' \-]*)`),
		render:  func(m []string) string { return "Name is " + m[1] },
	},
	{
		pattern: regexp.MustCompile(`(?i)\bI (?:prefer|like|love)\s+(.+)`),
		render:  func(m []string) string { return "Prefers " + m[1] },
	},
	{
		pattern: regexp.MustCompile(`(?i)\bI work (at|for|on|as|in)\s+(.+)`),
		render:  func(m []string) string { return "Works " + strings.ToLower(m[1]) + " " + m[2] },
	},
}

// RuleExtractor recognises explicit self-statements in the user's message.
// Each sentence yields at most one fact.
type RuleExtractor struct {
	rules []extractionRule
}

func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{rules: defaultRules}
}

var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

func (r *RuleExtractor) Extract(_ context.Context, ex Exchange) ([]string, error) {
	var out []string
	for _, sentence := range sentenceSplit.Split(ex.UserText, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		for _, rule := range r.rules {
			m := rule.pattern.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			if fact := strings.TrimSpace(rule.render(m)); fact != "" {
				out = append(out, fact)
			}
			break
		}
	}
	return out, nil
}
