// Package validation evaluates an agent's completion claim against the
// session it belongs to.
//
// Built-in rules run in a fixed order: staleness, start gate, tests, type
// check. Deployment rules written in CEL run last. Every failing rule adds
// one issue; the claim passes only with zero issues.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
)

// Issue codes.
const (
	CodeStale            = "validation-stale"
	CodeNoSession        = "no-session"
	CodeTestsNotWritten  = "tests-not-written"
	CodeTestsNotRun      = "tests-not-run"
	CodeTestsNotPassed   = "tests-not-passed"
	CodeTypecheckFailed  = "typecheck-failed"
	CodeTypecheckNotRun  = "typecheck-not-run"
	CodeRuleError        = "rule-error"
	defaultRuleIssueCode = "custom-rule-failed"
)

const retryHint = "then call validate again with the same session token."

// Profile picks which evidence a claim must carry.
type Profile string

const (
	ProfileRelaxed  Profile = "relaxed"
	ProfileStandard Profile = "standard"
	ProfileStrict   Profile = "strict"
)

// RequireTests reports whether a claim must show tests were run.
func (p Profile) RequireTests() bool { return p != ProfileRelaxed }

// RequireTypecheck reports whether a claim must report a type check.
func (p Profile) RequireTypecheck() bool { return p == ProfileStrict }

// Config configures an Evaluator.
type Config struct {
	Profile     Profile
	StaleWindow time.Duration
	Rules       []config.RuleConfig
}

// DefaultConfig is the standard profile with a 30 minute stale window.
func DefaultConfig() Config {
	return Config{Profile: ProfileStandard, StaleWindow: 30 * time.Minute}
}

type rule struct {
	name    string
	code    string
	message string
	prg     cel.Program
	err     error
}

// Evaluator applies the rules. It is safe for concurrent use.
type Evaluator struct {
	config Config
	rules  []rule
	logger *logging.Logger
}

// NewEvaluator compiles the custom rules. A rule that fails to compile does
// not stop construction; it reports rule-error on every evaluation instead.
func NewEvaluator(cfg Config, logger *logging.Logger) (*Evaluator, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	switch cfg.Profile {
	case ProfileRelaxed, ProfileStandard, ProfileStrict:
	default:
		return nil, fmt.Errorf("unknown validation profile %q", cfg.Profile)
	}
	if cfg.StaleWindow <= 0 {
		return nil, fmt.Errorf("stale window must be positive")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Evaluator{config: cfg, logger: logger.Named("validation")}

	if len(cfg.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			return nil, fmt.Errorf("creating rule environment: %w", err)
		}
		for _, rc := range cfg.Rules {
			r := rule{name: rc.Name, code: rc.Code, message: rc.Message}
			if r.code == "" {
				r.code = defaultRuleIssueCode
			}
			r.prg, r.err = compile(env, rc.Expression)
			if r.err != nil {
				e.logger.Warn(context.Background(), "validation rule does not compile",
					zap.String("rule", rc.Name), zap.Error(r.err))
			}
			e.rules = append(e.rules, r)
		}
	}
	return e, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("rule must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// Profile returns the configured profile.
func (e *Evaluator) Profile() Profile { return e.config.Profile }

// Evaluate checks claim against s at now. It never writes.
func (e *Evaluator) Evaluate(ctx context.Context, s *model.Session, claim Claim, now time.Time) model.ValidationResult {
	var issues []model.Issue
	add := func(code, msg string) {
		issues = append(issues, model.Issue{Code: code, Message: msg})
	}

	if now.Sub(s.LastActivity()) > e.config.StaleWindow {
		add(CodeStale, fmt.Sprintf("the session has been idle for more than %s; re-run your checks, %s", e.config.StaleWindow, retryHint))
	}

	if !s.StartGatePassed {
		add(CodeNoSession, "patterns were never discovered for this session; call discover first, "+retryHint)
	}

	p := e.config.Profile
	switch {
	case p.RequireTests() && isFalse(claim.TestsWritten):
		add(CodeTestsNotWritten, "no tests were written; add tests covering the change, run them, "+retryHint)
	case p.RequireTests() && !isTrue(claim.TestsRun):
		add(CodeTestsNotRun, "tests were not run; run the test suite, "+retryHint)
	case isTrue(claim.TestsRun) && (isFalse(claim.TestsPassed) || (p.RequireTests() && claim.TestsPassed == nil)):
		add(CodeTestsNotPassed, "tests did not pass; fix the failing tests, "+retryHint)
	}

	switch tc := claim.Typecheck(); {
	case isFalse(tc):
		add(CodeTypecheckFailed, "the type check failed; fix every type error, "+retryHint)
	case tc == nil && p.RequireTypecheck():
		add(CodeTypecheckNotRun, "no type check result was reported; run the type checker, "+retryHint)
	}

	if len(e.rules) > 0 {
		input := map[string]any{
			"claim":   claim.vars(),
			"session": sessionVars(s, now),
		}
		for _, r := range e.rules {
			ok, err := r.eval(ctx, input)
			if err != nil {
				e.logger.Warn(ctx, "validation rule failed to evaluate", zap.String("rule", r.name), zap.Error(err))
				add(CodeRuleError, fmt.Sprintf("rule %q could not be evaluated; contact the operator, %s", r.name, retryHint))
				continue
			}
			if !ok {
				msg := r.message
				if msg == "" {
					msg = fmt.Sprintf("rule %q was not satisfied", r.name)
				}
				add(r.code, msg+"; "+retryHint)
			}
		}
	}

	return model.ValidationResult{
		Passed:      len(issues) == 0,
		Issues:      issues,
		EvaluatedAt: now,
	}
}

func (r rule) eval(ctx context.Context, input map[string]any) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	out, _, err := r.prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return v, nil
}

func sessionVars(s *model.Session, now time.Time) map[string]any {
	return map[string]any{
		"task":               s.Task,
		"patternsReturned":   nonNil(s.PatternsReturned),
		"patternsFetched":    nonNil(s.PatternsFetched),
		"validationAttempts": int64(s.ValidationAttempts),
		"startGatePassed":    s.StartGatePassed,
		"ageSeconds":         int64(now.Sub(s.CreatedAt) / time.Second),
	}
}

// NextSteps lists one instruction per issue followed by the retry step.
func NextSteps(issues []model.Issue) []string {
	if len(issues) == 0 {
		return nil
	}
	steps := make([]string, 0, len(issues)+1)
	for _, is := range issues {
		steps = append(steps, fmt.Sprintf("[%s] %s", is.Code, is.Message))
	}
	return append(steps, "Call validate again with the same session token.")
}
