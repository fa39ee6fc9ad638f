package throttle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_NilClientAllows(t *testing.T) {
	var client *redis.Client
	l := New(client, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RecordFailure(ctx, "verify:a@b.co"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	blocked, err := l.Blocked(ctx, "verify:a@b.co")
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if blocked {
		t.Error("nil client must never block")
	}
	if err := l.Reset(ctx, "verify:a@b.co"); err != nil {
		t.Errorf("Reset: %v", err)
	}
}

func TestConnect_EmptyAddr(t *testing.T) {
	client, err := Connect(context.Background(), Options{})
	if err != nil || client != nil {
		t.Fatalf("Connect with empty addr = %v, %v; want nil, nil", client, err)
	}
}

// Runs against a real server when TEST_REDIS_ADDR is set.
func TestLimiter_Redis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := Connect(context.Background(), Options{Addr: addr})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	l := New(client, 2, time.Minute)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	defer l.Reset(ctx, key)

	for i := 0; i < 2; i++ {
		if blocked, _ := l.Blocked(ctx, key); blocked {
			t.Fatalf("blocked after %d failures", i)
		}
		if err := l.RecordFailure(ctx, key); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if blocked, _ := l.Blocked(ctx, key); !blocked {
		t.Error("expected key to be blocked after 2 failures")
	}
	if err := l.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if blocked, _ := l.Blocked(ctx, key); blocked {
		t.Error("reset should unblock")
	}
}
