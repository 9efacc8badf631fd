package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Set PATTERNGATE_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a real server.
func openRedis(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("PATTERNGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PATTERNGATE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "pgtest-" + uuid.NewString()
	r, err := OpenRedis(ctx, RedisOptions{Addr: addr, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := r.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = r.client.Del(ctx, keys...).Err()
		}
		_ = r.Close()
	})
	return r
}

func TestRedis(t *testing.T) {
	runStoreSuite(t, openRedis)
}
