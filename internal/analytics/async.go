package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

var (
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patterngate_analytics_events_dropped_total",
		Help: "Analytics events dropped because the queue was full or closed.",
	})
	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patterngate_analytics_publish_failures_total",
		Help: "Analytics publish attempts that returned an error.",
	}, []string{"publisher"})
)

// publishTimeout bounds a single publisher call.
const publishTimeout = 5 * time.Second

// DefaultQueueSize is used when NewAsync gets a non-positive size.
const DefaultQueueSize = 1024

type namedPublisher struct {
	name string
	pub  Publisher
}

// Async is a Sink backed by a bounded queue and one worker goroutine that
// fans each event out to every publisher.
type Async struct {
	queue  chan Event
	pubs   []namedPublisher
	logger *logging.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// AsyncOption configures an Async sink.
type AsyncOption func(*Async)

// WithPublisher adds a named publisher.
func WithPublisher(name string, p Publisher) AsyncOption {
	return func(a *Async) { a.pubs = append(a.pubs, namedPublisher{name: name, pub: p}) }
}

// NewAsync starts the worker.
func NewAsync(size int, logger *logging.Logger, opts ...AsyncOption) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &Async{
		queue:  make(chan Event, size),
		logger: logger.Named("analytics"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Emit implements Sink. It fills in the id and time when unset.
func (a *Async) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop()
		return
	}
	select {
	case a.queue <- e:
	default:
		a.drop()
	}
}

func (a *Async) drop() {
	eventsDropped.Inc()
	a.dropped.Add(1)
}

// Dropped returns how many events this sink has dropped.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		a.deliver(e)
	}
}

func (a *Async) deliver(e Event) {
	for _, np := range a.pubs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					publishFailures.WithLabelValues(np.name).Inc()
					a.logger.Error(context.Background(), "analytics publisher panicked",
						zap.String("publisher", np.name), zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := np.pub.Publish(ctx, e); err != nil {
				publishFailures.WithLabelValues(np.name).Inc()
				a.logger.Warn(ctx, "analytics publish failed",
					zap.String("publisher", np.name),
					zap.String("event.type", string(e.Type)),
					zap.Error(err))
			}
		}()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
