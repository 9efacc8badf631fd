package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/model"
)

var baseTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newSession(ttl time.Duration) *model.Session {
	return &model.Session{
		Token:            uuid.NewString(),
		Task:             "add login form",
		Status:           model.StatusActive,
		StartGatePassed:  true,
		PatternsReturned: []string{"auth-basic"},
		CreatedAt:        baseTime,
		ExpiresAt:        baseTime.Add(ttl),
	}
}

func newTrial(days int) *model.TrialRecord {
	return &model.TrialRecord{
		TrialID:    uuid.NewString(),
		DeviceHash: uuid.NewString(),
		Stage:      model.StageAnonymous,
		StartedAt:  baseTime,
		ExpiresAt:  baseTime.Add(time.Duration(days) * 24 * time.Hour),
	}
}

// runStoreSuite exercises the contract every backend shares.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("session create and get", func(t *testing.T) {
		s := open(t)
		sess := newSession(time.Hour)
		require.NoError(t, s.CreateSession(ctx, sess))
		assert.Equal(t, int64(1), sess.Version)

		got, err := s.GetSession(ctx, sess.Token)
		require.NoError(t, err)
		assert.Equal(t, sess.Token, got.Token)
		assert.Equal(t, "add login form", got.Task)
		assert.Equal(t, []string{"auth-basic"}, got.PatternsReturned)
		assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

		require.ErrorIs(t, s.CreateSession(ctx, sess), ErrExists)
	})

	t.Run("session not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetSession(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.UpdateSession(ctx, "missing", func(*model.Session) error { return nil })
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update bumps version and keeps token", func(t *testing.T) {
		s := open(t)
		sess := newSession(time.Hour)
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.UpdateSession(ctx, sess.Token, func(x *model.Session) error {
			x.Token = "hijacked"
			x.ValidationAttempts++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, sess.Token, got.Token)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, 1, got.ValidationAttempts)

		_, err = s.GetSession(ctx, "hijacked")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unchanged update skips the write", func(t *testing.T) {
		s := open(t)
		sess := newSession(time.Hour)
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.UpdateSession(ctx, sess.Token, func(x *model.Session) error {
			x.Task = "ignored"
			return ErrUnchanged
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "add login form", got.Task)
	})

	t.Run("update error is returned and nothing is written", func(t *testing.T) {
		s := open(t)
		sess := newSession(time.Hour)
		require.NoError(t, s.CreateSession(ctx, sess))

		boom := errors.New("boom")
		_, err := s.UpdateSession(ctx, sess.Token, func(x *model.Session) error {
			x.Task = "changed"
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetSession(ctx, sess.Token)
		require.NoError(t, err)
		assert.Equal(t, "add login form", got.Task)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		s := open(t)
		sess := newSession(time.Hour)
		require.NoError(t, s.CreateSession(ctx, sess))

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateSession(ctx, sess.Token, func(x *model.Session) error {
					x.ValidationAttempts++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetSession(ctx, sess.Token)
		require.NoError(t, err)
		assert.Equal(t, writers, got.ValidationAttempts)
		assert.Equal(t, int64(writers+1), got.Version)
	})

	t.Run("expire sessions moves only overdue active sessions", func(t *testing.T) {
		s := open(t)
		overdue := newSession(time.Minute)
		fresh := newSession(24 * time.Hour)
		done := newSession(time.Minute)
		done.ValidationPassed = true
		done.EndGatePassed = true
		done.Status = model.StatusCompleted
		for _, x := range []*model.Session{overdue, fresh, done} {
			require.NoError(t, s.CreateSession(ctx, x))
		}

		n, err := s.ExpireSessions(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetSession(ctx, overdue.Token)
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, got.Status)

		got, err = s.GetSession(ctx, fresh.Token)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)

		got, err = s.GetSession(ctx, done.Token)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)

		n, err = s.ExpireSessions(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("trial create is insert-if-absent", func(t *testing.T) {
		s := open(t)
		rec := newTrial(7)
		got, created, err := s.CreateTrial(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), got.Version)

		second := rec.Clone()
		second.TrialID = "other"
		got, created, err = s.CreateTrial(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, rec.TrialID, got.TrialID)
	})

	t.Run("concurrent trial creates have one winner", func(t *testing.T) {
		s := open(t)
		hash := uuid.NewString()

		const callers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		ids := map[string]bool{}
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := newTrial(7)
				rec.DeviceHash = hash
				got, created, err := s.CreateTrial(ctx, rec)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if created {
					winners++
				}
				ids[got.TrialID] = true
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Len(t, ids, 1)
	})

	t.Run("trial update and not found", func(t *testing.T) {
		s := open(t)
		rec := newTrial(7)
		_, _, err := s.CreateTrial(ctx, rec)
		require.NoError(t, err)

		got, err := s.UpdateTrial(ctx, rec.DeviceHash, func(r *model.TrialRecord) error {
			r.Stage = model.StageConverted
			r.ConversionRef = "sub_1"
			r.TrialID = "changed"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.StageConverted, got.Stage)
		assert.Equal(t, rec.TrialID, got.TrialID)
		assert.Equal(t, int64(2), got.Version)

		_, err = s.GetTrial(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.UpdateTrial(ctx, "missing", func(*model.TrialRecord) error { return nil })
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expire trials skips converted", func(t *testing.T) {
		s := open(t)
		overdue := newTrial(1)
		extended := newTrial(1)
		extended.Stage = model.StageExtended
		converted := newTrial(1)
		converted.Stage = model.StageConverted
		live := newTrial(30)
		for _, r := range []*model.TrialRecord{overdue, extended, converted, live} {
			_, _, err := s.CreateTrial(ctx, r)
			require.NoError(t, err)
		}

		n, err := s.ExpireTrials(ctx, baseTime.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for hash, want := range map[string]model.TrialStage{
			overdue.DeviceHash:   model.StageExpired,
			extended.DeviceHash:  model.StageExpired,
			converted.DeviceHash: model.StageConverted,
			live.DeviceHash:      model.StageAnonymous,
		} {
			got, err := s.GetTrial(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, want, got.Stage)
		}
	})
}

func TestMemory(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newSession(time.Hour)
	require.NoError(t, m.CreateSession(ctx, sess))

	got, err := m.GetSession(ctx, sess.Token)
	require.NoError(t, err)
	got.PatternsReturned[0] = "mutated"

	again, err := m.GetSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "auth-basic", again.PatternsReturned[0])
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory()
	require.ErrorIs(t, m.CreateSession(ctx, newSession(time.Hour)), context.Canceled)
	_, err := m.GetSession(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(ctx, config.StoreConfig{Driver: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}
