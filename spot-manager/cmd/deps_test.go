package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/store"
)

func TestNewSimulatedProvider(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "prices.json")
	if err := os.WriteFile(seed, []byte(`[
  {"availability_zone": "us-east-1a", "instance_type": "c5.large", "price": 0.04, "timestamp": "2024-03-01T10:00:00Z"}
]`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Provider.Kind = "simulate"
	cfg.Provider.SeedFile = seed
	cfg.Launch.Subnets = map[string][]string{"us-east-1b": {"subnet-b"}, "us-east-1a": {"subnet-a"}}

	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p, err := newProvider(context.Background(), cfg, clk)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if _, ok := p.(*provider.Retrying); !ok {
		t.Errorf("provider is %T, want it wrapped for retries", p)
	}

	zones, err := p.Zones(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(zones) != 2 || zones[0] != "us-east-1a" || zones[1] != "us-east-1b" {
		t.Errorf("Zones() = %v, want the subnet zones", zones)
	}

	page, err := p.PriceHistory(context.Background(), provider.PriceQuery{InstanceType: "c5.large", Zone: "us-east-1a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Samples) != 1 || page.Samples[0].Price != 0.04 {
		t.Errorf("PriceHistory() = %+v, want the seeded sample", page.Samples)
	}

	cfg.Provider.SeedFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := newProvider(context.Background(), cfg, clk); err == nil {
		t.Error("expected an error for a missing seed file")
	}
}

func TestNewStore(t *testing.T) {
	cfg := config.Default()

	st, client, err := newStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.File); !ok || client != nil {
		t.Errorf("default store = %T, %v", st, client)
	}

	cfg.Store.Kind = "redis"
	st, client, err = newStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, ok := st.(*store.Redis); !ok {
		t.Errorf("redis store = %T", st)
	}

	cfg.Store.Kind = "etcd"
	if _, _, err := newStore(cfg); err == nil {
		t.Error("expected unknown kind error")
	}
}
