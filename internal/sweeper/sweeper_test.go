package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/store"
)

type fakeTarget struct {
	sessions, trials int
	sessionErr       error
	panics           atomic.Bool
	calls            atomic.Int64
}

func (f *fakeTarget) ExpireSessions(context.Context, time.Time) (int, error) {
	f.calls.Add(1)
	if f.panics.Load() {
		panic("index corrupted")
	}
	return f.sessions, f.sessionErr
}

func (f *fakeTarget) ExpireTrials(context.Context, time.Time) (int, error) {
	return f.trials, nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	_, err = New(&fakeTarget{}, nil, WithInterval(0))
	require.Error(t, err)

	s, err := New(&fakeTarget{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.interval)
}

func TestRunOnce_ExpiresAgainstStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, mem.CreateSession(ctx, &model.Session{
		Token: "stale", Task: "t", Status: model.StatusActive, StartGatePassed: true,
		CreatedAt: start, ExpiresAt: start.Add(time.Hour),
	}))
	require.NoError(t, mem.CreateSession(ctx, &model.Session{
		Token: "fresh", Task: "t", Status: model.StatusActive, StartGatePassed: true,
		CreatedAt: start, ExpiresAt: start.Add(3 * time.Hour),
	}))
	_, _, err := mem.CreateTrial(ctx, &model.TrialRecord{
		TrialID: "t1", DeviceHash: "d1", Stage: model.StageAnonymous,
		StartedAt: start, ExpiresAt: start.Add(time.Hour),
	})
	require.NoError(t, err)

	before := testutil.ToFloat64(expiredTotal.WithLabelValues("session"))
	s, err := New(mem, nil, WithClock(func() time.Time { return start.Add(2 * time.Hour) }))
	require.NoError(t, err)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sessions: 1, Trials: 1}, res)
	assert.Equal(t, before+1, testutil.ToFloat64(expiredTotal.WithLabelValues("session")))

	got, err := mem.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	got, err = mem.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRunOnce_TrialsRunWhenSessionsFail(t *testing.T) {
	log := logging.NewTestLogger()
	target := &fakeTarget{trials: 2, sessionErr: errors.New("db down")}
	s, err := New(target, log.Logger)
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire sessions")
	assert.Equal(t, 2, res.Trials)
	log.AssertLogged(t, zapcore.WarnLevel, "sweep failed")
}

func TestStartStop(t *testing.T) {
	target := &fakeTarget{}
	s, err := New(target, nil, WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	require.Error(t, s.Start())

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, s.Running())

	calls := target.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, target.calls.Load())

	s.Stop()
	require.NoError(t, s.Start(), "a stopped sweeper can be restarted")
	s.Stop()
}

func TestLoop_SurvivesPanics(t *testing.T) {
	log := logging.NewTestLogger()
	target := &fakeTarget{}
	target.panics.Store(true)
	s, err := New(target, log.Logger, WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return target.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
	log.AssertLogged(t, zapcore.ErrorLevel, "sweep panicked, continuing")
}
