package validation

// Claim is what the agent asserts about its finished work. Booleans are
// tri-state: nil means the agent did not say.
type Claim struct {
	TestsWritten    *bool `json:"testsWritten,omitempty"`
	TestsRun        *bool `json:"testsRun,omitempty"`
	TestsPassed     *bool `json:"testsPassed,omitempty"`
	TypecheckPassed *bool `json:"typecheckPassed,omitempty"`
	// TypescriptPassed is accepted as an alias of TypecheckPassed.
	TypescriptPassed *bool    `json:"typescriptPassed,omitempty"`
	LintPassed       *bool    `json:"lintPassed,omitempty"`
	FilesChanged     []string `json:"filesChanged,omitempty"`
	PatternsApplied  []string `json:"patternsApplied,omitempty"`
	Summary          string   `json:"summary,omitempty"`
}

// Typecheck returns the type check outcome under either field name.
func (c Claim) Typecheck() *bool {
	if c.TypecheckPassed != nil {
		return c.TypecheckPassed
	}
	return c.TypescriptPassed
}

// Bool returns a pointer to b, for building claims.
func Bool(b bool) *bool { return &b }

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }

// vars renders the claim for rule expressions. Absent booleans are left out
// so expressions can test them with has().
func (c Claim) vars() map[string]any {
	m := map[string]any{
		"filesChanged":    nonNil(c.FilesChanged),
		"patternsApplied": nonNil(c.PatternsApplied),
		"summary":         c.Summary,
	}
	put := func(key string, b *bool) {
		if b != nil {
			m[key] = *b
		}
	}
	put("testsWritten", c.TestsWritten)
	put("testsRun", c.TestsRun)
	put("testsPassed", c.TestsPassed)
	put("typecheckPassed", c.Typecheck())
	put("lintPassed", c.LintPassed)
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
