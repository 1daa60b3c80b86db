package capacity

import (
	"sync"
	"testing"
	"time"
)

func TestBackoffBlocked(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBackoff(time.Hour)
	b.Record("c5.large", now.Add(-30*time.Minute))
	b.Record("m5.large", now.Add(-2*time.Hour))

	tests := []struct {
		instanceType string
		want         bool
	}{
		{"c5.large", true},
		{"m5.large", false},
		{"r5.large", false},
	}
	for _, tt := range tests {
		t.Run(tt.instanceType, func(t *testing.T) {
			if got := b.Blocked(tt.instanceType, now); got != tt.want {
				t.Errorf("Blocked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffKeepsLatest(t *testing.T) {
	now := time.Now()
	b := NewBackoff(0)
	if b.Window() != DefaultWindow {
		t.Errorf("Window() = %v, want %v", b.Window(), DefaultWindow)
	}

	b.Record("c5.large", now)
	b.Record("c5.large", now.Add(-time.Hour))
	if got, _ := b.LastFailure("c5.large"); !got.Equal(now) {
		t.Errorf("LastFailure() = %v, want %v", got, now)
	}

	b.Load(map[string]time.Time{"c5.large": now.Add(-time.Minute), "m5.large": now})
	if got, _ := b.LastFailure("c5.large"); !got.Equal(now) {
		t.Errorf("Load replaced a newer record: %v", got)
	}
	if types := b.Types(); len(types) != 2 || types[0] != "c5.large" || types[1] != "m5.large" {
		t.Errorf("Types() = %v", types)
	}
}

func TestBackoffDirty(t *testing.T) {
	b := NewBackoff(time.Hour)
	b.Load(map[string]time.Time{"c5.large": time.Now()})
	if b.Dirty() {
		t.Error("Load marked table dirty")
	}
	b.Record("m5.large", time.Now())
	if !b.Dirty() {
		t.Error("Record did not mark table dirty")
	}
	b.MarkSaved()
	if b.Dirty() {
		t.Error("MarkSaved did not clear dirty flag")
	}
}

func TestBackoffConcurrentRecord(t *testing.T) {
	b := NewBackoff(time.Hour)
	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Record("c5.large", base.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()
	if got, _ := b.LastFailure("c5.large"); !got.Equal(base.Add(49 * time.Second)) {
		t.Errorf("LastFailure() = %v, want latest record", got)
	}
}
