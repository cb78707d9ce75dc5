package core

import (
	"context"
	"net"
	"testing"
	"time"
)

// requireRedis skips the test unless a Redis instance is reachable at
// localhost:6379. This keeps Redis-backed tests (L2 cache, pool counters)
// out of the default `go test -short` run.
func requireRedis(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}

	if !isRedisReachable() {
		t.Skip("Redis not available at localhost:6379 (connection refused)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL: "redis://localhost:6379",
		DB:       RedisDBCache,
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(ctx); err != nil {
		t.Skipf("Redis not responsive: %v", err)
	}
}

// isRedisReachable performs a quick TCP connection check.
func isRedisReachable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
