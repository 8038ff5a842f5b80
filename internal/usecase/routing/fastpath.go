package routing

import (
	"strings"
	"unicode"

	"sensei/internal/domain"
)

// Rule maps inputs to a category without any backend call. Match receives
// the lower-cased input and the original.
type Rule struct {
	Name     string
	Category domain.Category
	Match    func(lower, raw string) bool
}

var diagnosticPhrases = []string{
	"uptime",
	"whoami",
	"df -h",
	"free -h",
	"check disk",
	"check memory",
	"check ram",
}

// DefaultRules returns the built-in fast path: explicit scan requests go to
// the action handler and common diagnostics go to the system handler.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "scan",
			Category: domain.CategoryAction,
			Match: func(lower, raw string) bool {
				if strings.Contains(lower, "nmap") {
					return true
				}
				return strings.HasPrefix(lower, "scan ") && strings.IndexFunc(raw, unicode.IsNumber) >= 0
			},
		},
		{
			Name:     "diagnostic",
			Category: domain.CategorySystem,
			Match: func(lower, _ string) bool {
				for _, p := range diagnosticPhrases {
					if strings.Contains(lower, p) {
						return true
					}
				}
				return false
			},
		},
	}
}

// matchFastPath returns the first rule matching input. The query is passed
// through unchanged.
func matchFastPath(rules []Rule, input string) (domain.RoutingDecision, string, bool) {
	lower := strings.ToLower(input)
	for _, r := range rules {
		if r.Match(lower, input) {
			return domain.RoutingDecision{Category: r.Category, Query: input}, r.Name, true
		}
	}
	return domain.RoutingDecision{}, "", false
}
