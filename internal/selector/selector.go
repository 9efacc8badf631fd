// Package selector ranks catalog patterns against a task description.
//
// Scoring is lexical: the task and caller keywords are split into a
// case-folded term set, and each pattern scores one point per keyword found
// in that set, plus one when the task mentions the pattern's category.
// Patterns scoring zero are never returned. Select is a pure function.
package selector

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/fyrsmithlabs/patterngate/internal/catalog"
)

// DefaultLimit caps discovery results when the caller gives no limit.
const DefaultLimit = 6

// categoryWeight is added when the task contains the category verbatim.
const categoryWeight = 1

// Scored is a pattern with its relevance.
type Scored struct {
	Pattern catalog.Pattern
	Score   int
}

// Select returns the patterns relevant to task, best first, ties broken by
// ascending name, at most limit entries. limit <= 0 selects DefaultLimit.
func Select(patterns []catalog.Pattern, task string, keywords []string, limit int) []Scored {
	if limit <= 0 {
		limit = DefaultLimit
	}

	fold := cases.Fold()
	foldedTask := fold.String(task)

	terms := make(map[string]struct{})
	addTerms(terms, foldedTask)
	for _, k := range keywords {
		addTerms(terms, fold.String(k))
	}

	var out []Scored
	for _, p := range patterns {
		score := 0
		for _, k := range p.Keywords {
			if matches(terms, fold.String(k)) {
				score++
			}
		}
		if c := strings.TrimSpace(p.Category); c != "" && strings.Contains(foldedTask, fold.String(c)) {
			score += categoryWeight
		}
		if score > 0 {
			out = append(out, Scored{Pattern: p, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Pattern.Name < out[j].Pattern.Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Terms returns the case-folded term set of text, sorted. Exposed for
// debugging selection from the CLI.
func Terms(text string) []string {
	set := make(map[string]struct{})
	addTerms(set, cases.Fold().String(text))
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func addTerms(set map[string]struct{}, folded string) {
	for _, t := range split(folded) {
		set[t] = struct{}{}
	}
}

func split(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matches reports whether every token of a folded keyword is in terms.
// Single-token keywords reduce to set membership.
func matches(terms map[string]struct{}, keyword string) bool {
	parts := split(keyword)
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if _, ok := terms[p]; !ok {
			return false
		}
	}
	return true
}
