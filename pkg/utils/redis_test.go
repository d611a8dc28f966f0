package utils

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestAcquireSlot_ValidatesArguments(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	cases := []struct {
		name   string
		rdb    *redis.Client
		key    string
		holder string
		limit  int
		ttl    time.Duration
	}{
		{"nil client", nil, "k", "h", 1, time.Second},
		{"empty key", rdb, "", "h", 1, time.Second},
		{"empty holder", rdb, "k", "", 1, time.Second},
		{"zero limit", rdb, "k", "h", 0, time.Second},
		{"zero ttl", rdb, "k", "h", 1, 0},
	}
	for _, tc := range cases {
		if _, err := AcquireSlot(ctx, tc.rdb, tc.key, tc.holder, tc.limit, tc.ttl); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := ReleaseSlot(ctx, nil, "k", "h"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := SlotsInUse(ctx, nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestSlots_ExpireWithoutRelease(t *testing.T) {
	addr := os.Getenv("CONFIGSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONFIGSTORE_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()
	key := "coldcaller-test:slots:" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, key)

	if ok, err := AcquireSlot(ctx, rdb, key, "a", 1, 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if ok, _ := AcquireSlot(ctx, rdb, key, "b", 1, time.Second); ok {
		t.Fatalf("expected cap to reject b")
	}
	time.Sleep(200 * time.Millisecond)
	if ok, err := AcquireSlot(ctx, rdb, key, "b", 1, time.Second); err != nil || !ok {
		t.Fatalf("expected b after a expired: %v %v", ok, err)
	}
	if n, err := SlotsInUse(ctx, rdb, key); err != nil || n != 1 {
		t.Fatalf("expected 1 slot, got %d %v", n, err)
	}
}
