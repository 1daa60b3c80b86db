package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "", "fleet"), mr
}

func samples() []provider.PriceSample {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []provider.PriceSample{
		{Zone: "us-east-1b", InstanceType: "c5.large", Price: 0.05, Timestamp: base.Add(time.Hour)},
		{Zone: "us-east-1a", InstanceType: "c5.large", Price: 0.04, Timestamp: base},
		{Zone: "us-east-1a", InstanceType: "m5.large", Price: 0.125, Timestamp: base},
	}
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	dir := t.TempDir()
	fileStore := NewFile(filepath.Join(dir, "prices.json"), filepath.Join(dir, "state", "backoff.json"))

	stores := []struct {
		name  string
		store Store
	}{
		{"redis", redisStore},
		{"file", fileStore},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := tt.store.LoadPrices(ctx)
			if err != nil {
				t.Fatalf("LoadPrices() on empty store: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("empty store returned %d samples", len(empty))
			}

			if err := tt.store.SavePrices(ctx, samples()); err != nil {
				t.Fatalf("SavePrices() error = %v", err)
			}
			got, err := tt.store.LoadPrices(ctx)
			if err != nil {
				t.Fatalf("LoadPrices() error = %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("LoadPrices() returned %d samples, want 3", len(got))
			}
			if got[0].InstanceType != "c5.large" || got[0].Zone != "us-east-1a" || got[0].Price != 0.04 {
				t.Errorf("first sample = %+v, want oldest c5.large in us-east-1a", got[0])
			}
			if !got[2].Timestamp.Equal(samples()[0].Timestamp) {
				t.Errorf("last sample = %+v, want newest", got[2])
			}

			// saving replaces the cache
			if err := tt.store.SavePrices(ctx, samples()[:1]); err != nil {
				t.Fatal(err)
			}
			got, _ = tt.store.LoadPrices(ctx)
			if len(got) != 1 {
				t.Errorf("after replace got %d samples, want 1", len(got))
			}

			now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			if err := tt.store.SaveBackoff(ctx, map[string]time.Time{"c5.large": now}); err != nil {
				t.Fatal(err)
			}
			if err := tt.store.SaveBackoff(ctx, map[string]time.Time{"m5.large": now.Add(time.Minute)}); err != nil {
				t.Fatal(err)
			}
			backoff, err := tt.store.LoadBackoff(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(backoff) != 2 || !backoff["c5.large"].Equal(now) {
				t.Errorf("LoadBackoff() = %v", backoff)
			}
		})
	}
}

func TestRedisKeys(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.SavePrices(ctx, samples()); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("spot:fleet:prices") {
		t.Fatal("prices hash not written under spot:fleet:prices")
	}
	if got := mr.HGet("spot:fleet:prices", "us-east-1a|m5.large|1709287200"); got != "0.125" {
		t.Errorf("price field = %q, want 0.125", got)
	}

	mr.HSet("spot:fleet:prices", "garbage", "1")
	if _, err := s.LoadPrices(ctx); err == nil {
		t.Error("expected error for malformed field")
	}
}
