// Package sweeper periodically persists expiry for sessions and trials whose
// deadline has passed.
//
// Readers already treat a record past its deadline as expired, so the
// sweeper only keeps stored state and expiry indexes tidy. Nothing depends
// on it running.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = time.Minute
	// DefaultRunTimeout bounds a single sweep.
	DefaultRunTimeout = 30 * time.Second
)

var (
	expiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patterngate_sweeper_expired_total",
		Help: "Records moved to expired by the sweeper.",
	}, []string{"kind"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "patterngate_sweeper_run_duration_seconds",
		Help:    "Duration of sweeper runs.",
		Buckets: prometheus.DefBuckets,
	})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patterngate_sweeper_failures_total",
		Help: "Sweeper runs that failed, by kind.",
	}, []string{"kind"})
)

// Target is the storage the sweeper expires records in.
type Target interface {
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
	ExpireTrials(ctx context.Context, now time.Time) (int, error)
}

// Result counts what one sweep expired.
type Result struct {
	Sessions int
	Trials   int
}

// Sweeper runs Target expiry on a ticker.
type Sweeper struct {
	target   Target
	logger   *logging.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithRunTimeout bounds each sweep.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a stopped Sweeper.
func New(target Target, logger *logging.Logger, opts ...Option) (*Sweeper, error) {
	if target == nil {
		return nil, errors.New("sweeper target cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Sweeper{
		target:   target,
		logger:   logger.Named("sweeper"),
		interval: DefaultInterval,
		timeout:  DefaultRunTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("sweeper interval must be positive, got %s", s.interval)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRunTimeout
	}
	return s, nil
}

// Start launches the background loop. Starting a running sweeper is an error.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.logger.Info(context.Background(), "sweeper started", zap.Duration("interval", s.interval))

	go s.loop(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop and waits for an in-flight sweep to finish. It is a
// no-op on a stopped sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info(context.Background(), "sweeper stopped")
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun()
		case <-stop:
			return
		}
	}
}

// safeRun keeps a panicking sweep from killing the loop.
func (s *Sweeper) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "sweep panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

// RunOnce performs a single sweep. Session and trial expiry run
// independently; a failure in one does not skip the other.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now().UTC()
	var res Result
	var errs []error

	n, err := s.target.ExpireSessions(ctx, now)
	res.Sessions = n
	if err != nil {
		runFailures.WithLabelValues("session").Inc()
		errs = append(errs, fmt.Errorf("expire sessions: %w", err))
	}
	expiredTotal.WithLabelValues("session").Add(float64(n))

	n, err = s.target.ExpireTrials(ctx, now)
	res.Trials = n
	if err != nil {
		runFailures.WithLabelValues("trial").Inc()
		errs = append(errs, fmt.Errorf("expire trials: %w", err))
	}
	expiredTotal.WithLabelValues("trial").Add(float64(n))

	err = errors.Join(errs...)
	switch {
	case err != nil:
		s.logger.Warn(ctx, "sweep failed", zap.Error(err),
			zap.Int("sessions", res.Sessions), zap.Int("trials", res.Trials))
	case res.Sessions > 0 || res.Trials > 0:
		s.logger.Info(ctx, "sweep expired records",
			zap.Int("sessions", res.Sessions), zap.Int("trials", res.Trials))
	default:
		s.logger.Debug(ctx, "sweep found nothing to expire")
	}
	return res, err
}
