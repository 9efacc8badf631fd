// Package store persists enforcement sessions and trial records.
//
// Every backend offers the same contract: reads return copies, and
// UpdateSession / UpdateTrial run a read-modify-write that is serialized per
// key. Losing writers retry against the winner's state, so callers always
// observe a single linear history per token or device hash.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when creating a session whose token is taken.
	ErrExists = errors.New("record already exists")

	// ErrUnchanged may be returned by an update function to skip the write.
	// The update then returns the current record and no error.
	ErrUnchanged = errors.New("record unchanged")

	// ErrConflict is returned when optimistic retries are exhausted.
	ErrConflict = errors.New("concurrent update conflict")
)

// maxRetries bounds optimistic concurrency loops.
const maxRetries = 16

// SessionStore persists enforcement sessions keyed by token.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	// UpdateSession applies fn to a copy of the stored session and persists
	// the result atomically. Concurrent updates of one token are serialized.
	UpdateSession(ctx context.Context, token string, fn func(*model.Session) error) (*model.Session, error)
	// ExpireSessions moves active sessions whose expiry passed to expired.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

// TrialStore persists trial records keyed by device hash.
type TrialStore interface {
	// CreateTrial inserts rec unless the device already has a record. It
	// returns the stored record and whether this call created it.
	CreateTrial(ctx context.Context, rec *model.TrialRecord) (*model.TrialRecord, bool, error)
	GetTrial(ctx context.Context, deviceHash string) (*model.TrialRecord, error)
	UpdateTrial(ctx context.Context, deviceHash string, fn func(*model.TrialRecord) error) (*model.TrialRecord, error)
	// ExpireTrials moves anonymous and extended trials whose expiry passed to expired.
	ExpireTrials(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	TrialStore
	Close() error
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, cfg.Driver, cfg.DSN.Value())
	case "redis":
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Value(),
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// nextSession runs fn on a copy of cur. It returns nil when fn reported
// ErrUnchanged. The token is immutable and the version always advances.
func nextSession(cur *model.Session, fn func(*model.Session) error) (*model.Session, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil, nil
		}
		return nil, err
	}
	next.Token = cur.Token
	next.Version = cur.Version + 1
	return next, nil
}

func nextTrial(cur *model.TrialRecord, fn func(*model.TrialRecord) error) (*model.TrialRecord, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil, nil
		}
		return nil, err
	}
	next.DeviceHash = cur.DeviceHash
	next.TrialID = cur.TrialID
	next.Version = cur.Version + 1
	return next, nil
}

// expireSession is the update used by every backend's ExpireSessions.
func expireSession(now time.Time, expired *bool) func(*model.Session) error {
	return func(s *model.Session) error {
		if s.Status != model.StatusActive || !now.After(s.ExpiresAt) {
			return ErrUnchanged
		}
		if err := s.Transition(model.StatusExpired, now); err != nil {
			return err
		}
		*expired = true
		return nil
	}
}

func expireTrial(now time.Time, expired *bool) func(*model.TrialRecord) error {
	return func(r *model.TrialRecord) error {
		if r.Stage != model.StageAnonymous && r.Stage != model.StageExtended {
			return ErrUnchanged
		}
		if !now.After(r.ExpiresAt) {
			return ErrUnchanged
		}
		r.Stage = model.StageExpired
		*expired = true
		return nil
	}
}
