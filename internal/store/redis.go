package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/patterngate/internal/model"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "patterngate".
	Prefix string
}

// Redis is a Store on Redis. Records are JSON strings; a sorted set per
// record kind indexes live records by expiry for the sweeper. Updates run
// inside WATCH/MULTI and are retried when another client touched the key.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}
	return NewRedis(client, opts.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "patterngate"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) sessionKey(token string) string { return r.prefix + ":session:" + token }
func (r *Redis) sessionIndex() string          { return r.prefix + ":sessions:expiry" }
func (r *Redis) trialKey(hash string) string   { return r.prefix + ":trial:" + hash }
func (r *Redis) trialIndex() string            { return r.prefix + ":trials:expiry" }

// CreateSession implements SessionStore.
func (r *Redis) CreateSession(ctx context.Context, s *model.Session) error {
	c := s.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.sessionKey(c.Token), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if c.Status == model.StatusActive {
		if err := r.client.ZAdd(ctx, r.sessionIndex(), redis.Z{Score: float64(c.ExpiresAt.Unix()), Member: c.Token}).Err(); err != nil {
			return fmt.Errorf("indexing session: %w", err)
		}
	}
	s.Version = 1
	return nil
}

// getter is the read side shared by the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// GetSession implements SessionStore.
func (r *Redis) GetSession(ctx context.Context, token string) (*model.Session, error) {
	return getSession(ctx, r.client, r.sessionKey(token))
}

func getSession(ctx context.Context, c getter, key string) (*model.Session, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var out model.Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &out, nil
}

// UpdateSession implements SessionStore.
func (r *Redis) UpdateSession(ctx context.Context, token string, fn func(*model.Session) error) (*model.Session, error) {
	key := r.sessionKey(token)
	var result *model.Session

	txf := func(tx *redis.Tx) error {
		cur, err := getSession(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := nextSession(cur, fn)
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.Status == model.StatusActive {
				pipe.ZAdd(ctx, r.sessionIndex(), redis.Z{Score: float64(next.ExpiresAt.Unix()), Member: token})
			} else {
				pipe.ZRem(ctx, r.sessionIndex(), token)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireSessions implements SessionStore.
func (r *Redis) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	tokens, err := r.due(ctx, r.sessionIndex(), now)
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}
	n := 0
	for _, token := range tokens {
		var expired bool
		_, err := r.UpdateSession(ctx, token, expireSession(now, &expired))
		switch {
		case errors.Is(err, ErrNotFound):
			_ = r.client.ZRem(ctx, r.sessionIndex(), token).Err()
		case err != nil:
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// CreateTrial implements TrialStore.
func (r *Redis) CreateTrial(ctx context.Context, rec *model.TrialRecord) (*model.TrialRecord, bool, error) {
	c := rec.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return nil, false, fmt.Errorf("encoding trial: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.trialKey(c.DeviceHash), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("creating trial: %w", err)
	}
	if !ok {
		existing, err := r.GetTrial(ctx, c.DeviceHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if c.Stage == model.StageAnonymous || c.Stage == model.StageExtended {
		if err := r.client.ZAdd(ctx, r.trialIndex(), redis.Z{Score: float64(c.ExpiresAt.Unix()), Member: c.DeviceHash}).Err(); err != nil {
			return nil, false, fmt.Errorf("indexing trial: %w", err)
		}
	}
	return c, true, nil
}

// GetTrial implements TrialStore.
func (r *Redis) GetTrial(ctx context.Context, deviceHash string) (*model.TrialRecord, error) {
	return getTrial(ctx, r.client, r.trialKey(deviceHash))
}

func getTrial(ctx context.Context, c getter, key string) (*model.TrialRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading trial: %w", err)
	}
	var out model.TrialRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding trial: %w", err)
	}
	return &out, nil
}

// UpdateTrial implements TrialStore.
func (r *Redis) UpdateTrial(ctx context.Context, deviceHash string, fn func(*model.TrialRecord) error) (*model.TrialRecord, error) {
	key := r.trialKey(deviceHash)
	var result *model.TrialRecord

	txf := func(tx *redis.Tx) error {
		cur, err := getTrial(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := nextTrial(cur, fn)
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding trial: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.Stage == model.StageAnonymous || next.Stage == model.StageExtended {
				pipe.ZAdd(ctx, r.trialIndex(), redis.Z{Score: float64(next.ExpiresAt.Unix()), Member: deviceHash})
			} else {
				pipe.ZRem(ctx, r.trialIndex(), deviceHash)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireTrials implements TrialStore.
func (r *Redis) ExpireTrials(ctx context.Context, now time.Time) (int, error) {
	hashes, err := r.due(ctx, r.trialIndex(), now)
	if err != nil {
		return 0, fmt.Errorf("listing expired trials: %w", err)
	}
	n := 0
	for _, hash := range hashes {
		var expired bool
		_, err := r.UpdateTrial(ctx, hash, expireTrial(now, &expired))
		switch {
		case errors.Is(err, ErrNotFound):
			_ = r.client.ZRem(ctx, r.trialIndex(), hash).Err()
		case err != nil:
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// watch runs txf under WATCH on key, retrying when the key changed between
// the read and EXEC.
func (r *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// due lists index members whose expiry score is before now.
func (r *Redis) due(ctx context.Context, index string, now time.Time) ([]string, error) {
	// Scores are whole seconds, so a member is due once its second has passed.
	return r.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
}

// Close implements Store.
func (r *Redis) Close() error { return r.client.Close() }
