// Package gate enforces the two-gate protocol between a coding agent and the
// pattern catalog: discover before writing, validate before completing.
//
// Every discover opens a fresh session. The session is the only state the
// protocol carries; it moves active → completed when a claim passes, or
// active → expired when its TTL runs out. Validation is serialized per token
// through the store's atomic update, so concurrent validate calls on one
// session observe a single history.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/analytics"
	"github.com/fyrsmithlabs/patterngate/internal/catalog"
	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/secrets"
	"github.com/fyrsmithlabs/patterngate/internal/selector"
	"github.com/fyrsmithlabs/patterngate/internal/store"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/patterngate/internal/gate"

// Config holds the protocol timings and limits.
type Config struct {
	SessionTTL    time.Duration
	DiscoverLimit int
	MaxFetchNames int
	CoreRules     []string
}

// DefaultConfig returns a one hour session TTL, six patterns per discover
// and ten names per fetch.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    time.Hour,
		DiscoverLimit: selector.DefaultLimit,
		MaxFetchNames: 10,
	}
}

// Orchestrator implements the gate operations.
type Orchestrator struct {
	config    Config
	catalog   catalog.Catalog
	store     store.SessionStore
	auth      access.Authorizer
	evaluator *validation.Evaluator

	sink     analytics.Sink
	scrubber *secrets.Scrubber
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSink sets the analytics sink.
func WithSink(s analytics.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithScrubber replaces the default secret scrubber.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(o *Orchestrator) { o.scrubber = s }
}

// New creates an Orchestrator.
func New(cfg Config, cat catalog.Catalog, st store.SessionStore, auth access.Authorizer, ev *validation.Evaluator, opts ...Option) (*Orchestrator, error) {
	switch {
	case cat == nil:
		return nil, errors.New("catalog is required")
	case st == nil:
		return nil, errors.New("session store is required")
	case auth == nil:
		return nil, errors.New("authorizer is required")
	case ev == nil:
		return nil, errors.New("validation evaluator is required")
	case cfg.SessionTTL <= 0:
		return nil, errors.New("session TTL must be positive")
	}
	if cfg.DiscoverLimit <= 0 {
		cfg.DiscoverLimit = selector.DefaultLimit
	}
	if cfg.MaxFetchNames <= 0 {
		cfg.MaxFetchNames = 10
	}

	o := &Orchestrator{
		config:    cfg,
		catalog:   cat,
		store:     st,
		auth:      auth,
		evaluator: ev,
		sink:      analytics.Nop{},
		scrubber:  secrets.MustNew(nil),
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("gate")
	return o, nil
}

// authorize checks the credential and stamps the subject on ctx.
func (o *Orchestrator) authorize(ctx context.Context, cred access.Credential) (context.Context, access.Decision, error) {
	if cred.DeviceHash != "" {
		ctx = logging.WithDeviceHash(ctx, cred.DeviceHash)
	}
	d, err := o.auth.Authorize(ctx, cred)
	if err != nil {
		return ctx, d, errcode.Wrap(errcode.Internal, "authorization check failed", err)
	}
	if !d.Allowed {
		return ctx, d, d.Err()
	}
	return logging.WithSubject(ctx, d.Subject), d, nil
}

// finish records the outcome of an operation on its span and counter.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, op, outcome string, err error) {
	if err != nil {
		code := errcode.Of(err)
		switch errcode.KindOf(code) {
		case errcode.KindAuth:
			outcome = outcomeDenied
		case errcode.KindClient, errcode.KindState:
			outcome = outcomeRejected
		default:
			outcome = outcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error(ctx, op+" failed", zap.Error(err))
		}
		span.SetAttributes(attribute.String("gate.reason", string(code)))
	}
	span.SetAttributes(attribute.String("gate.outcome", outcome))
	decisions.WithLabelValues(op, outcome).Inc()
}

func internal(msg string, err error) error {
	return errcode.Wrap(errcode.Internal, msg, err)
}

func sessionNotFound() error {
	return errcode.New(errcode.SessionNotFound, "no session exists for this token; call discover to start one")
}

func sessionExpired() error {
	return errcode.New(errcode.SessionExpired, "the session has expired; call discover to start a new one")
}

func missingToken() error {
	return errcode.New(errcode.MissingSessionToken, "a session token is required; call discover first")
}

func toResult(p catalog.Pattern, relevance int) PatternResult {
	return PatternResult{
		Name:        p.Name,
		Relevance:   relevance,
		Category:    p.Category,
		Description: p.Description,
		Content:     p.Content,
	}
}

// Discover opens a new session and returns the patterns relevant to the task.
func (o *Orchestrator) Discover(ctx context.Context, req DiscoverRequest) (_ *DiscoverResponse, err error) {
	ctx, span := o.tracer.Start(ctx, "gate.discover")
	defer span.End()
	outcome := outcomeOK
	defer func() { o.finish(ctx, span, "discover", outcome, err) }()

	ctx, decision, err := o.authorize(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, errcode.New(errcode.InvalidRequest, "task must not be empty")
	}

	scored := selector.Select(o.catalog.All(), task, req.Keywords, o.config.DiscoverLimit)
	patterns := make([]PatternResult, 0, len(scored))
	names := make([]string, 0, len(scored))
	for _, s := range scored {
		patterns = append(patterns, toResult(s.Pattern, s.Score))
		names = append(names, s.Pattern.Name)
	}

	now := o.now().UTC()
	sess := &model.Session{
		Token:            uuid.NewString(),
		Task:             o.scrubber.Clean(task),
		Subject:          decision.Subject,
		Status:           model.StatusActive,
		StartGatePassed:  true,
		PatternsReturned: names,
		CreatedAt:        now,
		ExpiresAt:        now.Add(o.config.SessionTTL),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, internal("could not open session", err)
	}
	ctx = logging.WithSessionToken(ctx, sess.Token)
	span.SetAttributes(
		attribute.String("session.ref", logging.SessionRef(sess.Token)),
		attribute.Int("gate.patterns", len(names)),
	)
	o.logger.Info(ctx, "session opened", zap.Strings("patterns", names))

	o.sink.Emit(analytics.Event{
		Type:       analytics.EventPatternDisclosed,
		Subject:    decision.Subject,
		SessionRef: logging.SessionRef(sess.Token),
		Task:       sess.Task,
		Patterns:   names,
	})

	msg := fmt.Sprintf("Apply the %d pattern(s) below while you work. Before declaring the task complete, call validate with token %s.", len(names), sess.Token)
	if len(names) == 0 {
		msg = fmt.Sprintf("No catalog pattern matched this task. Follow the core rules, and call validate with token %s before declaring the task complete.", sess.Token)
	}
	return &DiscoverResponse{
		Token:     sess.Token,
		Patterns:  patterns,
		CoreRules: append([]string{}, o.config.CoreRules...),
		Message:   msg,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// normalizeNames trims and de-duplicates names, keeping first occurrences in order.
func normalizeNames(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// FetchByName discloses named patterns within an active session. Unknown
// names are reported, not treated as errors.
func (o *Orchestrator) FetchByName(ctx context.Context, req FetchRequest) (_ *FetchResponse, err error) {
	ctx, span := o.tracer.Start(ctx, "gate.fetch")
	defer span.End()
	outcome := outcomeOK
	defer func() { o.finish(ctx, span, "fetch", outcome, err) }()

	ctx, decision, err := o.authorize(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, missingToken()
	}
	ctx = logging.WithSessionToken(ctx, req.Token)

	names := normalizeNames(req.Names)
	var nameErr error
	switch {
	case len(names) == 0:
		nameErr = errcode.New(errcode.InvalidRequest, "at least one pattern name is required")
	case len(names) > o.config.MaxFetchNames:
		nameErr = errcode.Newf(errcode.TooManyNames, "at most %d names may be requested at once, got %d", o.config.MaxFetchNames, len(names))
	}

	resp := &FetchResponse{Found: []PatternResult{}, NotFound: []string{}, RequestedCount: len(names)}
	var found []string
	for _, n := range names {
		if p, ok := o.catalog.Get(n); ok {
			resp.Found = append(resp.Found, toResult(p, 0))
			found = append(found, n)
		} else {
			resp.NotFound = append(resp.NotFound, n)
		}
	}
	resp.FoundCount = len(found)

	now := o.now().UTC()
	var expiredNow bool
	_, err = o.store.UpdateSession(ctx, req.Token, func(s *model.Session) error {
		expiredNow = false
		if s.Status == model.StatusExpired {
			return sessionExpired()
		}
		if s.IsExpired(now) {
			expiredNow = true
			return s.Transition(model.StatusExpired, now)
		}
		if nameErr != nil {
			return nameErr
		}
		added := false
		for _, n := range found {
			if !contains(s.PatternsFetched, n) {
				s.PatternsFetched = append(s.PatternsFetched, n)
				added = true
			}
		}
		if !added {
			return store.ErrUnchanged
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, sessionNotFound()
	case err != nil && errcode.Of(err) != errcode.Internal:
		return nil, err
	case err != nil:
		return nil, internal("could not update session", err)
	case expiredNow:
		o.logger.Info(ctx, "session expired on access")
		return nil, sessionExpired()
	}

	span.SetAttributes(attribute.Int("gate.found", resp.FoundCount), attribute.Int("gate.requested", resp.RequestedCount))
	if len(found) > 0 {
		o.sink.Emit(analytics.Event{
			Type:       analytics.EventPatternFetched,
			Subject:    decision.Subject,
			SessionRef: logging.SessionRef(req.Token),
			Patterns:   found,
		})
	}
	return resp, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate evaluates a completion claim. A passing claim completes the
// session; a completed session replays its stored verdict without
// re-evaluating.
func (o *Orchestrator) Validate(ctx context.Context, req ValidateRequest) (_ *ValidateResponse, err error) {
	ctx, span := o.tracer.Start(ctx, "gate.validate")
	defer span.End()
	outcome := outcomeFailed
	defer func() { o.finish(ctx, span, "validate", outcome, err) }()

	ctx, _, err = o.authorize(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, missingToken()
	}
	ctx = logging.WithSessionToken(ctx, req.Token)

	claim := req.Claim
	claim.Summary = o.scrubber.Clean(claim.Summary)

	now := o.now().UTC()
	var (
		result     model.ValidationResult
		replayed   bool
		expiredNow bool
	)
	_, err = o.store.UpdateSession(ctx, req.Token, func(s *model.Session) error {
		// The store may call this more than once.
		replayed, expiredNow = false, false

		switch {
		case s.Status == model.StatusCompleted:
			replayed = true
			if s.LastResult != nil {
				result = *s.LastResult
			} else {
				result = model.ValidationResult{Passed: true}
			}
			return store.ErrUnchanged
		case s.Status == model.StatusExpired:
			return sessionExpired()
		case s.IsExpired(now):
			expiredNow = true
			return s.Transition(model.StatusExpired, now)
		}

		result = o.evaluator.Evaluate(ctx, s, claim, now)
		s.ValidationAttempts++
		s.LastValidatedAt = &now
		stored := result
		s.LastResult = &stored
		s.EndGatePassed = result.Passed
		s.ValidationPassed = result.Passed
		if result.Passed {
			return s.Transition(model.StatusCompleted, now)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, sessionNotFound()
	case err != nil && errcode.Of(err) != errcode.Internal:
		return nil, err
	case err != nil:
		return nil, internal("could not record validation", err)
	case expiredNow:
		o.logger.Info(ctx, "session expired on validate")
		return nil, sessionExpired()
	}

	switch {
	case replayed:
		outcome = outcomeReplayed
	case result.Passed:
		outcome = outcomePassed
		o.logger.Info(ctx, "session completed")
	default:
		o.logger.Info(ctx, "validation failed", zap.Strings("issues", issueCodes(result.Issues)))
	}
	span.SetAttributes(attribute.Bool("gate.passed", result.Passed), attribute.Int("gate.issues", len(result.Issues)))
	return validateResponse(result), nil
}

func issueCodes(issues []model.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

// validateResponse renders a stored or fresh verdict. A replay and the call
// that completed the session produce identical responses.
func validateResponse(r model.ValidationResult) *ValidateResponse {
	issues := append([]model.Issue{}, r.Issues...)
	if r.Passed {
		return &ValidateResponse{
			Passed:           true,
			Issues:           issues,
			SessionCompleted: true,
			Message:          "Validation passed. The session is complete and the task may be declared done.",
		}
	}
	return &ValidateResponse{
		Passed:    false,
		Issues:    issues,
		Message:   fmt.Sprintf("Validation failed with %d issue(s). Fix them and call validate again with the same token.", len(issues)),
		NextSteps: validation.NextSteps(issues),
	}
}

// SessionStatus reads a session. It never writes; a session past its TTL is
// reported as expired even if the store still says active.
func (o *Orchestrator) SessionStatus(ctx context.Context, req StatusRequest) (_ *StatusResponse, err error) {
	ctx, span := o.tracer.Start(ctx, "gate.status")
	defer span.End()
	outcome := outcomeOK
	defer func() { o.finish(ctx, span, "status", outcome, err) }()

	ctx, _, err = o.authorize(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, missingToken()
	}

	s, err := o.store.GetSession(ctx, req.Token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, sessionNotFound()
	}
	if err != nil {
		return nil, internal("could not read session", err)
	}

	now := o.now().UTC()
	return &StatusResponse{
		Token:            s.Token,
		Task:             s.Task,
		Status:           s.EffectiveStatus(now),
		StartGatePassed:  s.StartGatePassed,
		EndGatePassed:    s.EndGatePassed,
		ValidationPassed: s.ValidationPassed,
		PatternsReturned: append([]string{}, s.PatternsReturned...),
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		IsExpired:        s.IsExpired(now),
	}, nil
}
