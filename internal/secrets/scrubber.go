// Package secrets redacts credentials from free text before it is stored,
// logged or published.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Finding records one redacted match. The matched value itself is never kept.
type Finding struct {
	RuleID string `json:"ruleId"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type compiledRule struct {
	id string
	re *regexp.Regexp
}

// Scrubber replaces rule matches with a [REDACTED:<rule>] marker.
// It is safe for concurrent use.
type Scrubber struct {
	rules     []compiledRule
	detectors []Detector
}

// New compiles rules. A nil slice selects DefaultRules.
func New(rules []Rule) (*Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scrubber{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, re: re})
	}
	return s, nil
}

// MustNew is New that panics, for package-level defaults.
func MustNew(rules []Rule) *Scrubber {
	s, err := New(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub returns content with every match redacted. Overlapping matches are
// merged and the earliest rule names the merged span.
func (s *Scrubber) Scrub(content string) (string, []Finding) {
	if s == nil || content == "" {
		return content, nil
	}

	var found []Finding
	for _, r := range s.rules {
		for _, m := range r.re.FindAllStringIndex(content, -1) {
			found = append(found, Finding{RuleID: r.id, Start: m[0], End: m[1]})
		}
	}
	for _, d := range s.detectors {
		found = append(found, d.Detect(content)...)
	}
	if len(found) == 0 {
		return content, nil
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	merged := found[:1]
	for _, f := range found[1:] {
		last := &merged[len(merged)-1]
		if f.Start < last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		merged = append(merged, f)
	}

	var b strings.Builder
	prev := 0
	for _, f := range merged {
		b.WriteString(content[prev:f.Start])
		b.WriteString("[REDACTED:" + f.RuleID + "]")
		prev = f.End
	}
	b.WriteString(content[prev:])
	return b.String(), merged
}

// Clean is Scrub without the findings.
func (s *Scrubber) Clean(content string) string {
	out, _ := s.Scrub(content)
	return out
}
