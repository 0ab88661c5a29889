//go:build integration

package gatherer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	store := NewRedisStore(client, time.Minute)
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, _ := Start("s1", "c1", "research Acme Corp", t0)
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	next, err := store.Update(ctx, "c1", func(cur Session) (Session, error) {
		n, _ := Answer(cur, "1. CSV 2. 今日中 3. 制限なし 4. 機密", t0)
		return n, nil
	})
	if err != nil || next.State != StateConfirming {
		t.Fatalf("update: %+v %v", next, err)
	}
	got, err := store.Get(ctx, "c1")
	if err != nil || got.State != StateConfirming || got.Answers[QPrivacy] != "機密" {
		t.Fatalf("get: %+v %v", got, err)
	}
	ttl, err := client.TTL(ctx, sessionKey("c1")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v %v", ttl, err)
	}
}
