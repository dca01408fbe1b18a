package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RedactionString replaces detected secrets in scrubbed output.
const RedactionString = "[REDACTED]"

// Rule is a single secret detection pattern.
type Rule struct {
	ID          string
	Description string
	Pattern     string
}

// Finding records one detected secret.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Result holds the outcome of a scrub pass.
type Result struct {
	Scrubbed      string
	Findings      []Finding
	TotalFindings int
}

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result
}

type scrubber struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

type span struct {
	start, end int
}

// DefaultRules returns the built-in detection rules. The set targets
// high-confidence, self-identifying token formats so event payload
// scrubbing stays cheap; exhaustive scanning belongs to Detect.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS Access Key ID",
			Pattern:     `(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `gh[pousr]_[A-Za-z0-9]{36,}`,
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `sk-ant-[A-Za-z0-9_-]{20,}`,
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `sk-[A-Za-z0-9]{20}T3BlbkFJ[A-Za-z0-9]{20}`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `xox[baprs]-[A-Za-z0-9-]{10,}`,
		},
		{
			ID:          "private-key",
			Description: "Private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:          "generic-assignment",
			Description: "Credential assignment",
			Pattern:     `(?i)(?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*['"][^\s'"]{8,}['"]`,
		},
	}
}

// NewScrubber builds a Scrubber from the given rules, or DefaultRules
// when rules is nil.
func NewScrubber(rules []Rule) (Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, pattern: re})
	}

	return &scrubber{rules: compiled}, nil
}

// MustNewScrubber builds a Scrubber, panicking on invalid rules.
// For use with the built-in rule set only.
func MustNewScrubber(rules []Rule) Scrubber {
	s, err := NewScrubber(rules)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *scrubber) Scrub(content string) *Result {
	result := s.Check(content)
	if result.TotalFindings == 0 {
		return result
	}

	spans := make([]span, 0, result.TotalFindings)
	for _, rule := range s.rules {
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			spans = append(spans, span{start: m[0], end: m[1]})
		}
	}

	merged := mergeSpans(spans)

	// Replace right to left so earlier indices stay valid.
	scrubbed := content
	for i := len(merged) - 1; i >= 0; i-- {
		r := merged[i]
		scrubbed = scrubbed[:r.start] + RedactionString + scrubbed[r.end:]
	}
	result.Scrubbed = scrubbed
	return result
}

func (s *scrubber) Check(content string) *Result {
	result := &Result{Scrubbed: content}

	for _, rule := range s.rules {
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
			})
		}
	}

	result.TotalFindings = len(result.Findings)
	return result
}

// mergeSpans sorts spans ascending and collapses overlaps.
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
