package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Detector finds secrets a regex rule set does not cover.
type Detector interface {
	Detect(content string) []Finding
}

// Gitleaks runs the gitleaks default rule set (several hundred provider
// specific patterns) over text.
type Gitleaks struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaks loads the default gitleaks config. Loading compiles every rule,
// so build one and share it.
func NewGitleaks() (*Gitleaks, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	return &Gitleaks{detector: d}, nil
}

// Detect implements Detector. Gitleaks reports line and column positions, so
// findings are located again by the matched secret; every occurrence of it
// is reported.
func (g *Gitleaks) Detect(content string) []Finding {
	g.mu.Lock()
	results := g.detector.DetectString(content)
	g.mu.Unlock()

	var out []Finding
	for _, r := range results {
		if r.Secret == "" {
			continue
		}
		for from := 0; ; {
			i := strings.Index(content[from:], r.Secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, Finding{RuleID: r.RuleID, Start: start, End: start + len(r.Secret)})
			from = start + len(r.Secret)
		}
	}
	return out
}

// WithDetector adds an extra detector whose findings are merged with the
// rule matches.
func (s *Scrubber) WithDetector(d Detector) *Scrubber {
	s.detectors = append(s.detectors, d)
	return s
}
