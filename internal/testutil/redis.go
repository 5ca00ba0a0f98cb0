// Package testutil provides the Redis instance used by store-backed tests.
//
// A local Redis on localhost:6379 is used when reachable (DB 15, flushed
// around each test). Otherwise one redis:7-alpine container is started per
// test binary with testcontainers and shared by every test in it. Tests skip
// only when neither is available.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisImage is the container image used when no local Redis is running.
const RedisImage = "redis:7-alpine"

const localAddr = "localhost:6379"

var (
	containerOnce sync.Once
	containerAddr string
	containerErr  error
)

// Redis returns a client on an empty database and flushes it again when the
// test ends. REDIS_TEST_ADDR overrides the local address.
func Redis(t testing.TB) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = localAddr
	}
	db := 15

	if !reachable(addr, db) {
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Skipf("skipping: no local Redis and container failed to start: %v", containerErr)
		}
		addr, db = containerAddr, 0
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Fatalf("ping redis at %s: %v", addr, err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func reachable(addr string, db int) bool {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db, DialTimeout: 500 * time.Millisecond})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err() == nil
}

// startContainer runs once per test binary. The container is removed by the
// testcontainers reaper when the binary exits.
func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := tcredis.Run(ctx, RedisImage)
	if err != nil {
		containerErr = err
		return
	}
	containerAddr, containerErr = c.Endpoint(ctx, "")
}
