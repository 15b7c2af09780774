package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

type view struct {
	Days  []string `json:"days"`
	Count int      `json:"count"`
}

func exerciseCache(t *testing.T, c ViewCache) {
	t.Helper()
	ctx := context.Background()
	scope := uuid.NewString()
	other := uuid.NewString()

	var got view
	gen, err := c.Get(ctx, scope, "2025-03", &got)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss on empty cache, got %v", err)
	}

	want := view{Days: []string{"2025-03-01", "2025-03-02"}, Count: 2}
	if err := c.Set(ctx, scope, gen, "2025-03", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	otherGen, _ := c.Get(ctx, other, "2025-03", &got)
	if err := c.Set(ctx, other, otherGen, "2025-03", view{Count: 9}); err != nil {
		t.Fatalf("Set other: %v", err)
	}
	if _, err := c.Get(ctx, scope, "2025-03", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cached view mismatch (-want +got):\n%s", diff)
	}

	if err := c.Invalidate(ctx, scope); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	next, err := c.Get(ctx, scope, "2025-03", &got)
	if !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after invalidate, got %v", err)
	}
	if next == gen {
		t.Errorf("expected a new generation after invalidate, still %d", gen)
	}
	var kept view
	if _, err := c.Get(ctx, other, "2025-03", &kept); err != nil || kept.Count != 9 {
		t.Errorf("expected other scope untouched, got %+v, %v", kept, err)
	}
}

// A value loaded before an invalidation must not become visible after it.
func exerciseStaleWrite(t *testing.T, c ViewCache) {
	t.Helper()
	ctx := context.Background()
	scope := uuid.NewString()

	var got view
	gen, err := c.Get(ctx, scope, "slots", &got)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Invalidate(ctx, scope); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := c.Set(ctx, scope, gen, "slots", view{Count: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := c.Get(ctx, scope, "slots", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("expected write from the old generation to stay hidden, got %+v, %v", got, err)
	}
}

func TestMemory(t *testing.T) {
	exerciseCache(t, NewMemory(time.Minute))
}

func TestMemory_StaleWrite(t *testing.T) {
	exerciseStaleWrite(t, NewMemory(time.Minute))
}

func TestMemory_Expiry(t *testing.T) {
	c := NewMemory(time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "d", 0, "k", view{Count: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	now = now.Add(2 * time.Minute)
	var got view
	if _, err := c.Get(ctx, "d", "k", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("expected expired entry to miss, got %v", err)
	}
}

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("MEDBOOK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MEDBOOK_TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute)
}

func TestRedis(t *testing.T) {
	exerciseCache(t, newTestRedis(t))
}

func TestRedis_StaleWrite(t *testing.T) {
	exerciseStaleWrite(t, newTestRedis(t))
}

func TestEntryKey_Versioned(t *testing.T) {
	a := entryKey("doc", 0, "month:2025-03")
	b := entryKey("doc", 1, "month:2025-03")
	if a == b {
		t.Errorf("expected keys to differ across versions, both %q", a)
	}
}
