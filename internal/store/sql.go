package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/fyrsmithlabs/patterngate/internal/model"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders.
	DialectPostgres
)

// SQL is a Store on database/sql. Each row keeps the indexed columns the
// sweeper filters on plus the full record as JSON. Writes are optimistic:
// an UPDATE only lands when the version column still matches the version
// that was read, otherwise the read-modify-write is retried.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens driver ("sqlite" or "postgres") at dsn and migrates.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	dialect := DialectSQLite
	if driver == "postgres" {
		dialect = DialectPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; sqlite serializes writes anyway and this
		// avoids SQLITE_BUSY under concurrent updates.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", driver, err)
	}
	s := NewSQL(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database. Call Migrate before first use.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gate_sessions (
			token TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS gate_sessions_expiry ON gate_sessions (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS trial_records (
			device_hash TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trial_records_expiry ON trial_records (stage, expires_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateSession implements SessionStore.
func (s *SQL) CreateSession(ctx context.Context, sess *model.Session) error {
	c := sess.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO gate_sessions (token, status, expires_at, version, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO NOTHING`),
		c.Token, string(c.Status), c.ExpiresAt.UnixNano(), c.Version, string(data))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	sess.Version = 1
	return nil
}

// GetSession implements SessionStore.
func (s *SQL) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM gate_sessions WHERE token = ?`), token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var out model.Session
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &out, nil
}

// UpdateSession implements SessionStore.
func (s *SQL) UpdateSession(ctx context.Context, token string, fn func(*model.Session) error) (*model.Session, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		cur, err := s.GetSession(ctx, token)
		if err != nil {
			return nil, err
		}
		next, err := nextSession(cur, fn)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding session: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE gate_sessions SET status = ?, expires_at = ?, version = ?, data = ? WHERE token = ? AND version = ?`),
			string(next.Status), next.ExpiresAt.UnixNano(), next.Version, string(data), token, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("updating session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("updating session: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, ErrConflict
}

// ExpireSessions implements SessionStore.
func (s *SQL) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	tokens, err := s.keys(ctx,
		`SELECT token FROM gate_sessions WHERE status = ? AND expires_at < ?`,
		string(model.StatusActive), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}
	n := 0
	for _, token := range tokens {
		var expired bool
		if _, err := s.UpdateSession(ctx, token, expireSession(now, &expired)); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// CreateTrial implements TrialStore.
func (s *SQL) CreateTrial(ctx context.Context, rec *model.TrialRecord) (*model.TrialRecord, bool, error) {
	c := rec.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return nil, false, fmt.Errorf("encoding trial: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO trial_records (device_hash, stage, expires_at, version, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_hash) DO NOTHING`),
		c.DeviceHash, string(c.Stage), c.ExpiresAt.UnixNano(), c.Version, string(data))
	if err != nil {
		return nil, false, fmt.Errorf("inserting trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("inserting trial: %w", err)
	}
	if n == 1 {
		return c, true, nil
	}
	existing, err := s.GetTrial(ctx, rec.DeviceHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetTrial implements TrialStore.
func (s *SQL) GetTrial(ctx context.Context, deviceHash string) (*model.TrialRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM trial_records WHERE device_hash = ?`), deviceHash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading trial: %w", err)
	}
	var out model.TrialRecord
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decoding trial: %w", err)
	}
	return &out, nil
}

// UpdateTrial implements TrialStore.
func (s *SQL) UpdateTrial(ctx context.Context, deviceHash string, fn func(*model.TrialRecord) error) (*model.TrialRecord, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		cur, err := s.GetTrial(ctx, deviceHash)
		if err != nil {
			return nil, err
		}
		next, err := nextTrial(cur, fn)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding trial: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE trial_records SET stage = ?, expires_at = ?, version = ?, data = ? WHERE device_hash = ? AND version = ?`),
			string(next.Stage), next.ExpiresAt.UnixNano(), next.Version, string(data), deviceHash, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("updating trial: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("updating trial: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, ErrConflict
}

// ExpireTrials implements TrialStore.
func (s *SQL) ExpireTrials(ctx context.Context, now time.Time) (int, error) {
	hashes, err := s.keys(ctx,
		`SELECT device_hash FROM trial_records WHERE stage IN (?, ?) AND expires_at < ?`,
		string(model.StageAnonymous), string(model.StageExtended), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("listing expired trials: %w", err)
	}
	n := 0
	for _, hash := range hashes {
		var expired bool
		if _, err := s.UpdateTrial(ctx, hash, expireTrial(now, &expired)); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (s *SQL) keys(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQL) Close() error { return s.db.Close() }
