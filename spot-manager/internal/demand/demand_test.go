package demand

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestAggregator(t *testing.T) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	a := NewAggregatorFromClient(client)
	a.Clock = testingclock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return a, mr
}

func payload(utility float64) *DemandPayload {
	return &DemandPayload{
		Source:          "queue-watcher",
		Timestamp:       time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Fleet:           "etl",
		RequiredUtility: utility,
	}
}

func TestValidateDemandPayload(t *testing.T) {
	depth := int64(-1)
	tests := []struct {
		name    string
		mutate  func(p *DemandPayload)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *DemandPayload) {}},
		{name: "missing fleet", mutate: func(p *DemandPayload) { p.Fleet = "" }, wantErr: true},
		{name: "missing source", mutate: func(p *DemandPayload) { p.Source = "" }, wantErr: true},
		{name: "missing timestamp", mutate: func(p *DemandPayload) { p.Timestamp = time.Time{} }, wantErr: true},
		{name: "negative utility", mutate: func(p *DemandPayload) { p.RequiredUtility = -1 }, wantErr: true},
		{name: "negative queue depth", mutate: func(p *DemandPayload) { p.QueueDepth = &depth }, wantErr: true},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := payload(10)
			tt.mutate(p)
			err := v.ValidateDemandPayload(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDemandPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLatestDemand(t *testing.T) {
	a, mr := newTestAggregator(t)
	ctx := context.Background()

	if _, err := a.LatestDemand(ctx, "etl"); !errors.Is(err, ErrNoDemand) {
		t.Fatalf("LatestDemand() on empty redis error = %v, want ErrNoDemand", err)
	}

	if err := a.SaveDemandPayload(ctx, payload(12)); err != nil {
		t.Fatalf("SaveDemandPayload() error = %v", err)
	}
	got, err := a.LatestDemand(ctx, "etl")
	if err != nil {
		t.Fatalf("LatestDemand() error = %v", err)
	}
	if got.RequiredUtility != 12 || got.Source != "queue-watcher" {
		t.Errorf("LatestDemand() = %+v", got)
	}
	if !mr.Exists(LatestDemandKey + "etl") {
		t.Errorf("key %s not written", LatestDemandKey+"etl")
	}
}

func waitForList(t *testing.T, mr *miniredis.Miniredis, key string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items, err := mr.List(key); err == nil && len(items) >= n {
			return items
		}
		time.Sleep(5 * time.Millisecond)
	}
	items, _ := mr.List(key)
	return items
}

func TestSurgePushesOnceDuringCooldown(t *testing.T) {
	a, mr := newTestAggregator(t)
	ctx := context.Background()

	for _, u := range []float64{10, 20} {
		if err := a.SaveDemandPayload(ctx, payload(u)); err != nil {
			t.Fatalf("SaveDemandPayload(%v) error = %v", u, err)
		}
	}
	if items := waitForList(t, mr, SurgeQueueKey, 1); len(items) != 1 {
		t.Fatalf("surge jobs = %d, want 1", len(items))
	}
	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists(CooldownKey+"etl") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !mr.Exists(CooldownKey + "etl") {
		t.Fatal("cooldown key not set")
	}

	// a second surge inside the cooldown is dropped
	if err := a.SaveDemandPayload(ctx, payload(40)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if items, _ := mr.List(SurgeQueueKey); len(items) != 1 {
		t.Errorf("surge jobs = %d during cooldown, want 1", len(items))
	}
}

func TestSmallChangeIsNotASurge(t *testing.T) {
	a, mr := newTestAggregator(t)
	ctx := context.Background()

	for _, u := range []float64{10, 14, 8} {
		if err := a.SaveDemandPayload(ctx, payload(u)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if mr.Exists(SurgeQueueKey) {
		t.Error("surge job pushed for a small change")
	}
}
