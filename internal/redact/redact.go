// Package redact removes credentials from text before it is chunked and
// embedded, so secrets never become retrievable search results.
package redact

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultReplacement is substituted for every redacted span.
const DefaultReplacement = "[REDACTED]"

var ErrInvalidRule = errors.New("invalid redaction rule")

// Rule detects one kind of secret.
type Rule struct {
	ID      string
	Pattern string
	// Keywords, when set, must appear (case-insensitively) somewhere in the
	// text before Pattern is tried.
	Keywords []string
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Finding locates a redacted secret in the original text. The secret
// itself is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Line   int    `json:"line"`
}

// Result is redacted text plus what was removed from it.
type Result struct {
	Text     string
	Findings []Finding
}

// ByRule counts findings per rule.
func (r *Result) ByRule() map[string]int {
	counts := make(map[string]int, len(r.Findings))
	for _, f := range r.Findings {
		counts[f.RuleID]++
	}
	return counts
}

// Redactor applies a fixed rule set. It is safe for concurrent use.
type Redactor struct {
	rules       []compiledRule
	replacement string
	allow       []*regexp.Regexp
}

// Option configures a Redactor.
type Option func(*Redactor) error

// WithReplacement overrides DefaultReplacement.
func WithReplacement(s string) Option {
	return func(r *Redactor) error {
		r.replacement = s
		return nil
	}
}

// WithAllowList skips matches that match any of patterns, e.g. documented
// example keys.
func WithAllowList(patterns ...string) Option {
	return func(r *Redactor) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("%w: allow pattern %q: %w", ErrInvalidRule, p, err)
			}
			r.allow = append(r.allow, re)
		}
		return nil
	}
}

// New compiles rules. A nil rule set selects DefaultRules.
func New(rules []Rule, opts ...Option) (*Redactor, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	r := &Redactor{replacement: DefaultReplacement}
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no ID", ErrInvalidRule, i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rule %s", ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
		if rule.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %s has no pattern", ErrInvalidRule, rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %w", ErrInvalidRule, rule.ID, err)
		}
		kws := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		r.rules = append(r.rules, compiledRule{id: rule.ID, pattern: re, keywords: kws})
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Redact replaces every secret in text. Overlapping matches from different
// rules collapse into one replacement; each match is still reported.
func (r *Redactor) Redact(text string) *Result {
	res := &Result{Text: text}
	if text == "" {
		return res
	}
	lower := strings.ToLower(text)

	for _, rule := range r.rules {
		if !rule.applies(lower) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(text, -1) {
			if r.allowed(text[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID: rule.id,
				Start:  m[0],
				End:    m[1],
				Line:   strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	if len(res.Findings) == 0 {
		return res
	}

	sort.Slice(res.Findings, func(i, j int) bool {
		a, b := res.Findings[i], res.Findings[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.RuleID < b.RuleID
	})

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, span := range merge(res.Findings) {
		b.WriteString(text[pos:span[0]])
		b.WriteString(r.replacement)
		pos = span[1]
	}
	b.WriteString(text[pos:])
	res.Text = b.String()
	return res
}

func (c compiledRule) applies(lower string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge joins overlapping or touching findings, which must be sorted by
// start, into [start, end) spans.
func merge(findings []Finding) [][2]int {
	spans := [][2]int{{findings[0].Start, findings[0].End}}
	for _, f := range findings[1:] {
		last := &spans[len(spans)-1]
		if f.Start <= last[1] {
			last[1] = max(last[1], f.End)
			continue
		}
		spans = append(spans, [2]int{f.Start, f.End})
	}
	return spans
}
