// Package trial keeps the per-device free trial ledger.
//
// A device gets exactly one trial. Stages move anonymous → extended →
// converted, and any unconverted stage expires when its window passes.
// Expiry is derived from timestamps on every read so correctness never
// waits for the sweeper.
package trial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/store"
)

const day = 24 * time.Hour

// Config sets the trial windows.
type Config struct {
	Duration        time.Duration
	ExtensionWindow time.Duration
}

// DefaultConfig returns seven day trial and extension windows.
func DefaultConfig() Config {
	return Config{Duration: 7 * day, ExtensionWindow: 7 * day}
}

// Status is the caller-facing view of a trial.
type Status struct {
	TrialID           string           `json:"trialId"`
	Stage             model.TrialStage `json:"stage"`
	ExpiresAt         time.Time        `json:"expiresAt"`
	DaysRemaining     int              `json:"daysRemaining"`
	CanExtend         bool             `json:"canExtend"`
	CanAccessPatterns bool             `json:"canAccessPatterns"`
	Flagged           bool             `json:"flagged,omitempty"`
}

// Ledger implements the trial lifecycle over a TrialStore.
type Ledger struct {
	store  store.TrialStore
	config Config
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger.
func NewLedger(s store.TrialStore, cfg Config, logger *logging.Logger, opts ...Option) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("trial store is required")
	}
	if cfg.Duration <= 0 || cfg.ExtensionWindow <= 0 {
		return nil, errors.New("trial windows must be positive")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Ledger{store: s, config: cfg, logger: logger.Named("trial"), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func notAvailable() error {
	return errcode.New(errcode.TrialNotAvailable, "a trial is not available for this device")
}

// Start begins a trial for deviceHash, or returns the one it already has.
// A flagged device is refused.
func (l *Ledger) Start(ctx context.Context, deviceHash string, meta model.TrialMeta) (*model.TrialRecord, error) {
	if deviceHash == "" {
		return nil, errcode.New(errcode.InvalidRequest, "device hash is required")
	}
	now := l.now().UTC()
	rec := &model.TrialRecord{
		TrialID:    uuid.NewString(),
		DeviceHash: deviceHash,
		Stage:      model.StageAnonymous,
		StartedAt:  now,
		ExpiresAt:  now.Add(l.config.Duration),
		Meta:       meta,
	}
	got, created, err := l.store.CreateTrial(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("starting trial: %w", err)
	}
	if got.Flagged {
		l.logger.Warn(ctx, "trial start refused for flagged device", zap.String("device.hash", deviceHash))
		return nil, notAvailable()
	}
	if created {
		l.logger.Info(ctx, "trial started",
			zap.String("device.hash", deviceHash),
			zap.String("trial.id", got.TrialID),
			zap.Time("expires_at", got.ExpiresAt))
	}
	got.Stage = got.EffectiveStage(now)
	return got, nil
}

// Extend moves an anonymous trial into its extension window. Extended and
// converted trials are returned unchanged.
func (l *Ledger) Extend(ctx context.Context, deviceHash string) (*model.TrialRecord, error) {
	now := l.now().UTC()
	rec, err := l.store.UpdateTrial(ctx, deviceHash, func(r *model.TrialRecord) error {
		if r.Flagged {
			return notAvailable()
		}
		if r.Stage != model.StageAnonymous {
			return store.ErrUnchanged
		}
		r.Stage = model.StageExtended
		r.ExpiresAt = now.Add(l.config.ExtensionWindow)
		r.ExtendedAt = &now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errcode.New(errcode.NoTrial, "no trial exists for this device")
	}
	if err != nil {
		if errcode.Of(err) == errcode.TrialNotAvailable {
			return nil, err
		}
		return nil, fmt.Errorf("extending trial: %w", err)
	}
	rec.Stage = rec.EffectiveStage(now)
	return rec, nil
}

// MarkConverted records a paid conversion. Unknown devices yield nil and no
// error because the billing side may convert users who never trialled.
func (l *Ledger) MarkConverted(ctx context.Context, deviceHash, ref string) (*model.TrialRecord, error) {
	now := l.now().UTC()
	rec, err := l.store.UpdateTrial(ctx, deviceHash, func(r *model.TrialRecord) error {
		if r.Stage == model.StageConverted {
			return store.ErrUnchanged
		}
		r.Stage = model.StageConverted
		r.ConvertedAt = &now
		r.ConversionRef = ref
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("converting trial: %w", err)
	}
	l.logger.Info(ctx, "trial converted", zap.String("device.hash", deviceHash))
	return rec, nil
}

// Flag permanently blocks trials for deviceHash. A device without a record
// gets a flagged tombstone so a later Start is refused too.
func (l *Ledger) Flag(ctx context.Context, deviceHash, reason string) (*model.TrialRecord, error) {
	if deviceHash == "" {
		return nil, errcode.New(errcode.InvalidRequest, "device hash is required")
	}
	now := l.now().UTC()
	tombstone := &model.TrialRecord{
		TrialID:    uuid.NewString(),
		DeviceHash: deviceHash,
		Stage:      model.StageExpired,
		StartedAt:  now,
		ExpiresAt:  now,
		Flagged:    true,
		FlagReason: reason,
	}
	if _, created, err := l.store.CreateTrial(ctx, tombstone); err != nil {
		return nil, fmt.Errorf("flagging trial: %w", err)
	} else if created {
		l.logger.Warn(ctx, "device flagged", zap.String("device.hash", deviceHash), zap.String("reason", reason))
		return tombstone, nil
	}

	rec, err := l.store.UpdateTrial(ctx, deviceHash, func(r *model.TrialRecord) error {
		if r.Flagged {
			return store.ErrUnchanged
		}
		r.Flagged = true
		r.FlagReason = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("flagging trial: %w", err)
	}
	l.logger.Warn(ctx, "device flagged", zap.String("device.hash", deviceHash), zap.String("reason", reason))
	return rec, nil
}

// Get returns the stored record, or nil when the device has none.
func (l *Ledger) Get(ctx context.Context, deviceHash string) (*model.TrialRecord, error) {
	rec, err := l.store.GetTrial(ctx, deviceHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trial: %w", err)
	}
	return rec, nil
}

// Status reports the trial state for deviceHash without writing.
func (l *Ledger) Status(ctx context.Context, deviceHash string) (*Status, error) {
	rec, err := l.Get(ctx, deviceHash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errcode.New(errcode.NoTrial, "no trial exists for this device")
	}
	return l.StatusOf(rec), nil
}

// StatusOf derives the caller-facing view of rec at the ledger's now.
func (l *Ledger) StatusOf(rec *model.TrialRecord) *Status {
	now := l.now().UTC()
	stage := rec.EffectiveStage(now)
	st := &Status{
		TrialID:   rec.TrialID,
		Stage:     stage,
		ExpiresAt: rec.ExpiresAt,
		Flagged:   rec.Flagged,
	}
	switch {
	case rec.Flagged:
		st.Stage = model.StageExpired
	case stage == model.StageConverted:
		st.CanAccessPatterns = true
	case stage == model.StageExpired:
	default:
		st.CanAccessPatterns = true
		st.DaysRemaining = daysUntil(now, rec.ExpiresAt)
	}
	st.CanExtend = !rec.Flagged && rec.Stage == model.StageAnonymous
	return st
}

// daysUntil counts started days left, so a trial with five hours left
// reports one day.
func daysUntil(now, end time.Time) int {
	left := end.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}
