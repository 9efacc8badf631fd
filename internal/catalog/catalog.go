// Package catalog holds the library of implementation patterns the gate
// discloses to agents.
//
// The gate treats pattern content as opaque text. A catalog is loaded from a
// directory of YAML or TOML files and can be hot-reloaded on change.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPattern is returned for patterns that fail validation.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is a named, categorized unit of guidance.
type Pattern struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Description string   `json:"description,omitempty" yaml:"description" toml:"description"`
	Category    string   `json:"category" yaml:"category" toml:"category"`
	Keywords    []string `json:"keywords" yaml:"keywords" toml:"keywords"`
	Content     string   `json:"content" yaml:"content" toml:"content"`

	// Source is the file the pattern was loaded from.
	Source string `json:"source,omitempty" yaml:"-" toml:"-"`
}

// Catalog is the read side used by the gate.
type Catalog interface {
	// All returns every pattern ordered by name.
	All() []Pattern
	// Get returns the pattern with the exact name.
	Get(name string) (Pattern, bool)
}

// Static is an immutable catalog snapshot.
type Static struct {
	ordered []Pattern
	byName  map[string]int
}

// NewStatic validates patterns and builds a snapshot. Names must be unique
// and non-empty; keywords are trimmed and de-duplicated.
func NewStatic(patterns []Pattern) (*Static, error) {
	s := &Static{
		ordered: make([]Pattern, 0, len(patterns)),
		byName:  make(map[string]int, len(patterns)),
	}
	for _, p := range patterns {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("%w: empty name (source %q)", ErrInvalidPattern, p.Source)
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q (source %q)", ErrInvalidPattern, p.Name, p.Source)
		}
		p.Category = strings.TrimSpace(p.Category)
		p.Keywords = cleanKeywords(p.Keywords)
		s.byName[p.Name] = -1
		s.ordered = append(s.ordered, p)
	}

	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].Name < s.ordered[j].Name })
	for i, p := range s.ordered {
		s.byName[p.Name] = i
	}
	return s, nil
}

// MustStatic is NewStatic for fixtures.
func MustStatic(patterns ...Pattern) *Static {
	s, err := NewStatic(patterns)
	if err != nil {
		panic(err)
	}
	return s
}

// All implements Catalog. The returned slice is a copy.
func (s *Static) All() []Pattern {
	out := make([]Pattern, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get implements Catalog.
func (s *Static) Get(name string) (Pattern, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Pattern{}, false
	}
	return s.ordered[i], true
}

// Len returns the number of patterns.
func (s *Static) Len() int { return len(s.ordered) }

func cleanKeywords(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
