package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

// DefaultSubjectPrefix is the NATS subject root for events.
const DefaultSubjectPrefix = "patterngate.analytics"

// NATSPublisher publishes each event as JSON on <prefix>.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// LogPublisher writes events to the structured log at debug level.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogPublisher{logger: logger.Named("analytics")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Debug(ctx, "analytics event",
		zap.String("event.type", string(e.Type)),
		zap.String("event.id", e.ID),
		zap.String("subject", e.Subject),
		zap.String("session.ref", e.SessionRef),
		zap.Strings("patterns", e.Patterns))
	return nil
}

// PatternStats is the usage of one pattern.
type PatternStats struct {
	Name      string    `json:"name"`
	Disclosed int64     `json:"disclosed"`
	Fetched   int64     `json:"fetched"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Aggregator counts disclosures per pattern in memory.
type Aggregator struct {
	mu     sync.RWMutex
	stats  map[string]*PatternStats
	events int64
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[string]*PatternStats)}
}

// Publish implements Publisher.
func (a *Aggregator) Publish(_ context.Context, e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events++
	for _, name := range e.Patterns {
		s, ok := a.stats[name]
		if !ok {
			s = &PatternStats{Name: name}
			a.stats[name] = s
		}
		switch e.Type {
		case EventPatternDisclosed:
			s.Disclosed++
		case EventPatternFetched:
			s.Fetched++
		}
		if e.At.After(s.LastSeen) {
			s.LastSeen = e.At
		}
	}
	return nil
}

// Snapshot returns per-pattern stats, most used first, then by name.
func (a *Aggregator) Snapshot() []PatternStats {
	a.mu.RLock()
	out := make([]PatternStats, 0, len(a.stats))
	for _, s := range a.stats {
		out = append(out, *s)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Disclosed+out[i].Fetched, out[j].Disclosed+out[j].Fetched
		if ti != tj {
			return ti > tj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Events returns the number of events seen.
func (a *Aggregator) Events() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events
}
