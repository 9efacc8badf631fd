package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

const (
	toolDiscover     = "discover_patterns"
	toolGetPatterns  = "get_patterns"
	toolValidate     = "validate_completion"
	toolSessionState = "session_status"
	toolTrialStatus  = "trial_status"
	toolTrialStart   = "trial_start"
)

// toolError strips infrastructure detail from err before it reaches the
// client. The reason code always leads the message.
func toolError(err error) error {
	return errcode.New(errcode.Of(err), errcode.MessageOf(err))
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// instrument wraps a tool body with metrics and error logging.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (string, Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		text, out, err := fn(ctx, in)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)

		if err != nil {
			if errcode.KindOf(errcode.Of(err)) == errcode.KindInternal {
				s.logger.Error(ctx, "tool failed", zap.String("tool", name), zap.Error(err))
			}
			var zero Out
			return nil, zero, toolError(err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}
}

func (s *Server) registerTools() {
	s.registerGateTools()
	if s.trials != nil {
		s.registerTrialTools()
	}
}

// ===== GATE TOOLS =====

type patternOutput struct {
	Name        string `json:"name" jsonschema:"Pattern name"`
	Relevance   int    `json:"relevance,omitempty" jsonschema:"Relevance score, higher is more relevant"`
	Category    string `json:"category,omitempty" jsonschema:"Pattern category"`
	Description string `json:"description,omitempty" jsonschema:"One line summary"`
	Content     string `json:"content" jsonschema:"The guidance to apply"`
}

func patternsOut(in []gate.PatternResult) []patternOutput {
	out := make([]patternOutput, len(in))
	for i, p := range in {
		out[i] = patternOutput(p)
	}
	return out
}

type discoverInput struct {
	Task     string   `json:"task" jsonschema:"What you are about to build or change"`
	Keywords []string `json:"keywords,omitempty" jsonschema:"Extra terms that describe the task"`
}

type discoverOutput struct {
	SessionToken string          `json:"session_token" jsonschema:"Token to pass to get_patterns and validate_completion"`
	Patterns     []patternOutput `json:"patterns" jsonschema:"Patterns to apply, most relevant first"`
	CoreRules    []string        `json:"core_rules" jsonschema:"Rules that apply to every task"`
	Message      string          `json:"message" jsonschema:"Instructions for the next step"`
	ExpiresAt    string          `json:"expires_at" jsonschema:"RFC 3339 time the session expires"`
}

type getPatternsInput struct {
	SessionToken string   `json:"session_token" jsonschema:"Token returned by discover_patterns"`
	Names        []string `json:"names" jsonschema:"Exact pattern names to fetch"`
}

type getPatternsOutput struct {
	Found          []patternOutput `json:"found" jsonschema:"Patterns that exist"`
	NotFound       []string        `json:"not_found" jsonschema:"Requested names with no pattern"`
	FoundCount     int             `json:"found_count" jsonschema:"Number of patterns found"`
	RequestedCount int             `json:"requested_count" jsonschema:"Number of distinct names requested"`
}

type validateInput struct {
	SessionToken     string   `json:"session_token" jsonschema:"Token returned by discover_patterns"`
	TestsWritten     *bool    `json:"tests_written,omitempty" jsonschema:"Whether tests were written for the change"`
	TestsRun         *bool    `json:"tests_run,omitempty" jsonschema:"Whether the test suite was run"`
	TestsPassed      *bool    `json:"tests_passed,omitempty" jsonschema:"Whether every test passed"`
	TypecheckPassed  *bool    `json:"typecheck_passed,omitempty" jsonschema:"Whether the type checker passed"`
	TypescriptPassed *bool    `json:"typescript_passed,omitempty" jsonschema:"Alias of typecheck_passed"`
	LintPassed       *bool    `json:"lint_passed,omitempty" jsonschema:"Whether the linter passed"`
	FilesChanged     []string `json:"files_changed,omitempty" jsonschema:"Paths touched by the change"`
	PatternsApplied  []string `json:"patterns_applied,omitempty" jsonschema:"Names of patterns you applied"`
	Summary          string   `json:"summary,omitempty" jsonschema:"Short description of the work done"`
}

func (in validateInput) claim() validation.Claim {
	return validation.Claim{
		TestsWritten:     in.TestsWritten,
		TestsRun:         in.TestsRun,
		TestsPassed:      in.TestsPassed,
		TypecheckPassed:  in.TypecheckPassed,
		TypescriptPassed: in.TypescriptPassed,
		LintPassed:       in.LintPassed,
		FilesChanged:     in.FilesChanged,
		PatternsApplied:  in.PatternsApplied,
		Summary:          in.Summary,
	}
}

type issueOutput struct {
	Code    string `json:"code" jsonschema:"Stable issue code"`
	Message string `json:"message" jsonschema:"What to fix"`
}

type validateOutput struct {
	Passed           bool          `json:"passed" jsonschema:"Whether the claim passed"`
	Issues           []issueOutput `json:"issues" jsonschema:"Every failed check"`
	SessionCompleted bool          `json:"session_completed" jsonschema:"Whether the session is now complete"`
	Message          string        `json:"message" jsonschema:"Summary of the verdict"`
	NextSteps        []string      `json:"next_steps,omitempty" jsonschema:"What to do before validating again"`
}

type sessionStatusInput struct {
	SessionToken string `json:"session_token" jsonschema:"Token returned by discover_patterns"`
}

type sessionStatusOutput struct {
	SessionToken     string   `json:"session_token" jsonschema:"Session token"`
	Task             string   `json:"task" jsonschema:"Task the session was opened for"`
	Status           string   `json:"status" jsonschema:"active, completed or expired"`
	StartGatePassed  bool     `json:"start_gate_passed" jsonschema:"Whether patterns were discovered"`
	EndGatePassed    bool     `json:"end_gate_passed" jsonschema:"Whether validation passed"`
	ValidationPassed bool     `json:"validation_passed" jsonschema:"Whether the latest validation passed"`
	PatternsReturned []string `json:"patterns_returned" jsonschema:"Patterns disclosed by discover"`
	CreatedAt        string   `json:"created_at" jsonschema:"RFC 3339 creation time"`
	ExpiresAt        string   `json:"expires_at" jsonschema:"RFC 3339 expiry time"`
	IsExpired        bool     `json:"is_expired" jsonschema:"Whether the session is past its expiry"`
}

func issuesOut(in []model.Issue) []issueOutput {
	out := make([]issueOutput, len(in))
	for i, is := range in {
		out[i] = issueOutput(is)
	}
	return out
}

func (s *Server) registerGateTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolDiscover,
		Description: "Call before writing any code. Opens an enforcement session and returns the patterns that apply to the task.",
	}, instrument(s, toolDiscover, func(ctx context.Context, in discoverInput) (string, discoverOutput, error) {
		resp, err := s.gate.Discover(ctx, gate.DiscoverRequest{
			Credential: s.cred,
			Task:       in.Task,
			Keywords:   in.Keywords,
		})
		if err != nil {
			return "", discoverOutput{}, err
		}
		return resp.Message, discoverOutput{
			SessionToken: resp.Token,
			Patterns:     patternsOut(resp.Patterns),
			CoreRules:    resp.CoreRules,
			Message:      resp.Message,
			ExpiresAt:    timestamp(resp.ExpiresAt),
		}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolGetPatterns,
		Description: "Fetch catalog patterns by exact name within an active session.",
	}, instrument(s, toolGetPatterns, func(ctx context.Context, in getPatternsInput) (string, getPatternsOutput, error) {
		resp, err := s.gate.FetchByName(ctx, gate.FetchRequest{
			Credential: s.cred,
			Token:      in.SessionToken,
			Names:      in.Names,
		})
		if err != nil {
			return "", getPatternsOutput{}, err
		}
		text := fmt.Sprintf("Found %d of %d requested pattern(s).", resp.FoundCount, resp.RequestedCount)
		if len(resp.NotFound) > 0 {
			text += " Not found: " + strings.Join(resp.NotFound, ", ") + "."
		}
		return text, getPatternsOutput{
			Found:          patternsOut(resp.Found),
			NotFound:       resp.NotFound,
			FoundCount:     resp.FoundCount,
			RequestedCount: resp.RequestedCount,
		}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolValidate,
		Description: "Call before declaring the task complete. Checks your claim about tests and type checks; the task is done only when this passes.",
	}, instrument(s, toolValidate, func(ctx context.Context, in validateInput) (string, validateOutput, error) {
		resp, err := s.gate.Validate(ctx, gate.ValidateRequest{
			Credential: s.cred,
			Token:      in.SessionToken,
			Claim:      in.claim(),
		})
		if err != nil {
			return "", validateOutput{}, err
		}
		text := resp.Message
		for _, step := range resp.NextSteps {
			text += "\n- " + step
		}
		return text, validateOutput{
			Passed:           resp.Passed,
			Issues:           issuesOut(resp.Issues),
			SessionCompleted: resp.SessionCompleted,
			Message:          resp.Message,
			NextSteps:        resp.NextSteps,
		}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSessionState,
		Description: "Read the state of an enforcement session.",
	}, instrument(s, toolSessionState, func(ctx context.Context, in sessionStatusInput) (string, sessionStatusOutput, error) {
		resp, err := s.gate.SessionStatus(ctx, gate.StatusRequest{Credential: s.cred, Token: in.SessionToken})
		if err != nil {
			return "", sessionStatusOutput{}, err
		}
		return fmt.Sprintf("Session is %s.", resp.Status), sessionStatusOutput{
			SessionToken:     resp.Token,
			Task:             resp.Task,
			Status:           string(resp.Status),
			StartGatePassed:  resp.StartGatePassed,
			EndGatePassed:    resp.EndGatePassed,
			ValidationPassed: resp.ValidationPassed,
			PatternsReturned: resp.PatternsReturned,
			CreatedAt:        timestamp(resp.CreatedAt),
			ExpiresAt:        timestamp(resp.ExpiresAt),
			IsExpired:        resp.IsExpired,
		}, nil
	}))
}

// ===== TRIAL TOOLS =====

type trialInput struct{}

type trialOutput struct {
	TrialID           string `json:"trial_id" jsonschema:"Trial identifier"`
	Stage             string `json:"stage" jsonschema:"anonymous, extended, expired or converted"`
	ExpiresAt         string `json:"expires_at" jsonschema:"RFC 3339 expiry time"`
	DaysRemaining     int    `json:"days_remaining" jsonschema:"Started days left in the trial"`
	CanExtend         bool   `json:"can_extend" jsonschema:"Whether the trial can still be extended"`
	CanAccessPatterns bool   `json:"can_access_patterns" jsonschema:"Whether this device may use the gate"`
}

func trialOut(st *trial.Status) trialOutput {
	return trialOutput{
		TrialID:           st.TrialID,
		Stage:             string(st.Stage),
		ExpiresAt:         timestamp(st.ExpiresAt),
		DaysRemaining:     st.DaysRemaining,
		CanExtend:         st.CanExtend,
		CanAccessPatterns: st.CanAccessPatterns,
	}
}

func trialText(st *trial.Status) string {
	if !st.CanAccessPatterns {
		return fmt.Sprintf("Trial %s is %s and no longer grants access.", st.TrialID, st.Stage)
	}
	if st.Stage == model.StageConverted {
		return fmt.Sprintf("Trial %s has been converted to a subscription.", st.TrialID)
	}
	return fmt.Sprintf("Trial %s is %s with %d day(s) remaining.", st.TrialID, st.Stage, st.DaysRemaining)
}

func (s *Server) deviceHash() (string, error) {
	if s.cred.DeviceHash == "" {
		return "", errcode.New(errcode.MissingCredential, "this server has no device fingerprint; trials are unavailable")
	}
	return s.cred.DeviceHash, nil
}

func (s *Server) registerTrialTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolTrialStatus,
		Description: "Report the free trial state of this device.",
	}, instrument(s, toolTrialStatus, func(ctx context.Context, _ trialInput) (string, trialOutput, error) {
		hash, err := s.deviceHash()
		if err != nil {
			return "", trialOutput{}, err
		}
		st, err := s.trials.Status(ctx, hash)
		if err != nil {
			return "", trialOutput{}, err
		}
		return trialText(st), trialOut(st), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolTrialStart,
		Description: "Start the free trial for this device. Calling it again returns the existing trial.",
	}, instrument(s, toolTrialStart, func(ctx context.Context, _ trialInput) (string, trialOutput, error) {
		hash, err := s.deviceHash()
		if err != nil {
			return "", trialOutput{}, err
		}
		rec, err := s.trials.Start(ctx, hash, s.meta)
		if err != nil {
			return "", trialOutput{}, err
		}
		st := s.trials.StatusOf(rec)
		return trialText(st), trialOut(st), nil
	}))
}
