package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("broker down") }

type blocking struct{ release chan struct{} }

func (b blocking) Publish(context.Context, Event) error {
	<-b.release
	return nil
}

func TestAsync_DeliversToEveryPublisher(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	sink := NewAsync(8, nil, WithPublisher("a", a), WithPublisher("b", b))

	sink.Emit(Event{Type: EventPatternDisclosed, Patterns: []string{"auth-basic"}})
	sink.Emit(Event{Type: EventPatternFetched, Patterns: []string{"payments"}})
	require.NoError(t, sink.Close(context.Background()))

	for _, r := range []*recorder{a, b} {
		got := r.all()
		require.Len(t, got, 2)
		assert.Equal(t, EventPatternDisclosed, got[0].Type)
		assert.NotEmpty(t, got[0].ID)
		assert.False(t, got[0].At.IsZero())
	}
}

func TestAsync_PublisherErrorsAreSwallowed(t *testing.T) {
	log := logging.NewTestLogger()
	rec := &recorder{}
	sink := NewAsync(4, log.Logger, WithPublisher("broken", failing{}), WithPublisher("rec", rec))

	sink.Emit(Event{Type: EventPatternDisclosed})
	require.NoError(t, sink.Close(context.Background()))

	assert.Len(t, rec.all(), 1)
	log.AssertLogged(t, zapcore.WarnLevel, "analytics publish failed")
}

func TestAsync_DropsWhenFull(t *testing.T) {
	pub := blocking{release: make(chan struct{})}
	sink := NewAsync(1, nil, WithPublisher("slow", pub))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			sink.Emit(Event{Type: EventPatternDisclosed})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked")
	}

	// One event is held by the worker and one sits in the queue.
	assert.GreaterOrEqual(t, sink.Dropped(), int64(8))
	close(pub.release)
	require.NoError(t, sink.Close(context.Background()))
}

func TestAsync_EmitAfterClose(t *testing.T) {
	sink := NewAsync(1, nil)
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))

	sink.Emit(Event{Type: EventPatternDisclosed})
	assert.Equal(t, int64(1), sink.Dropped())
}

func TestAsync_CloseHonoursContext(t *testing.T) {
	pub := blocking{release: make(chan struct{})}
	defer close(pub.release)
	sink := NewAsync(4, nil, WithPublisher("slow", pub))
	sink.Emit(Event{Type: EventPatternDisclosed})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Close(ctx), context.DeadlineExceeded)
}

func TestNATSPublisher(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub, err := NewNATSPublisher(nc, "")
	require.NoError(t, err)
	assert.Equal(t, "patterngate.analytics.pattern.disclosed", pub.Subject(EventPatternDisclosed))

	sub, err := nc.SubscribeSync("patterngate.analytics.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ev := Event{ID: "e1", Type: EventPatternDisclosed, Subject: "acme", Patterns: []string{"auth-basic"}}
	require.NoError(t, pub.Publish(context.Background(), ev))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "patterngate.analytics.pattern.disclosed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, []string{"auth-basic"}, got.Patterns)
}

func TestNATSPublisher_RequiresConn(t *testing.T) {
	_, err := NewNATSPublisher(nil, "x")
	require.Error(t, err)
}

func TestLogPublisher(t *testing.T) {
	log := logging.NewTestLogger()
	p := NewLogPublisher(log.Logger)
	require.NoError(t, p.Publish(context.Background(), Event{ID: "e1", Type: EventPatternFetched}))
	log.AssertField(t, "analytics event", "event.type", "pattern.fetched")
}

func TestAggregator(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, agg.Publish(ctx, Event{Type: EventPatternDisclosed, At: t0, Patterns: []string{"auth-basic", "payments"}}))
	require.NoError(t, agg.Publish(ctx, Event{Type: EventPatternDisclosed, At: t0.Add(time.Hour), Patterns: []string{"auth-basic"}}))
	require.NoError(t, agg.Publish(ctx, Event{Type: EventPatternFetched, At: t0, Patterns: []string{"payments", "zeta"}}))

	snap := agg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "auth-basic", snap[0].Name)
	assert.Equal(t, int64(2), snap[0].Disclosed)
	assert.Equal(t, t0.Add(time.Hour), snap[0].LastSeen)
	assert.Equal(t, "payments", snap[1].Name)
	assert.Equal(t, int64(1), snap[1].Fetched)
	assert.Equal(t, "zeta", snap[2].Name)
	assert.Equal(t, int64(3), agg.Events())
}
