package index

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

type request struct {
	ID    string
	Price float64
}

func byID(r request) string { return r.ID }

type zoneKey struct {
	Type string
	Zone string
}

type quote struct {
	Type  string
	Zone  string
	Price float64
}

func ids(ix *Index[string, request]) []string {
	var out []string
	for _, r := range ix.Items() {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func build(t *testing.T, items ...request) *Index[string, request] {
	t.Helper()
	ix, err := From(byID, items)
	if err != nil {
		t.Fatalf("From() error = %v", err)
	}
	return ix
}

func TestAddDistinctKeys(t *testing.T) {
	ix := New(byID)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := ix.Add(request{ID: id}); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	if got := ix.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}

func TestAddDuplicate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{name: "fail on duplicate", wantErr: true},
		{name: "ignore duplicate", opts: []Option{IgnoreDuplicates()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := New(byID, tt.opts...)
			_ = ix.Add(request{ID: "a", Price: 1})

			err := ix.Add(request{ID: "a", Price: 2})
			if tt.wantErr != errors.Is(err, ErrDuplicateKey) {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := ix.Len(); got != 1 {
				t.Errorf("Len() = %d, want 1", got)
			}
			if v, _ := ix.Get("a"); v.Price != 1 {
				t.Errorf("existing item replaced: price %v", v.Price)
			}
		})
	}
}

func TestAddSameItemTwice(t *testing.T) {
	ix := New(byID)
	r := request{ID: "a", Price: 1}
	if err := ix.Add(r); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(r); err != nil {
		t.Errorf("re-adding an equal item: %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ix := build(t, request{ID: "a"})
	ix.Remove(request{ID: "a"})
	ix.Remove(request{ID: "a"})
	ix.RemoveKey("missing")

	if ix.Len() != 0 || ix.Contains(request{ID: "a"}) {
		t.Error("item still present after Remove")
	}
}

func TestCompositeKey(t *testing.T) {
	ix := New(func(q quote) zoneKey { return zoneKey{q.Type, q.Zone} })
	_ = ix.Add(quote{Type: "c5.large", Zone: "us-east-1a", Price: 0.1})
	_ = ix.Add(quote{Type: "c5.large", Zone: "us-east-1b", Price: 0.2})

	if err := ix.Add(quote{Type: "c5.large", Zone: "us-east-1a", Price: 0.3}); err == nil {
		t.Error("expected duplicate error for composite key")
	}
	q, ok := ix.Get(zoneKey{"c5.large", "us-east-1b"})
	if !ok || q.Price != 0.2 {
		t.Errorf("Get() = %+v, %v", q, ok)
	}
}

func TestNilKeyFunctionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) did not panic")
		}
	}()
	New[string, request](nil)
}

func TestSetAlgebra(t *testing.T) {
	a := build(t, request{ID: "1", Price: 1}, request{ID: "2", Price: 1}, request{ID: "3", Price: 1})
	b := build(t, request{ID: "3", Price: 2}, request{ID: "4", Price: 2})

	t.Run("difference is disjoint from other", func(t *testing.T) {
		d := a.Difference(b)
		if !equal(ids(d), []string{"1", "2"}) {
			t.Errorf("A-B = %v", ids(d))
		}
		if n := d.Intersection(b).Len(); n != 0 {
			t.Errorf("(A-B)&B has %d items", n)
		}
	})

	t.Run("intersection", func(t *testing.T) {
		if got := ids(a.Intersection(b)); !equal(got, []string{"3"}) {
			t.Errorf("A&B = %v", got)
		}
	})

	t.Run("union keeps going on collision", func(t *testing.T) {
		u := a.Union(b)
		if got := ids(u); !equal(got, []string{"1", "2", "3", "4"}) {
			t.Errorf("A|B = %v", got)
		}
		if v, _ := u.Get("3"); v.Price != 1 {
			t.Errorf("union kept price %v for key 3, want left value 1", v.Price)
		}
	})

	t.Run("merge lets other win", func(t *testing.T) {
		m := build(t, a.Items()...)
		m.Merge(b)
		if got := ids(m); !equal(got, []string{"1", "2", "3", "4"}) {
			t.Errorf("A|=B = %v", got)
		}
		if v, _ := m.Get("3"); v.Price != 2 {
			t.Errorf("merge kept price %v for key 3, want 2", v.Price)
		}
	})

	t.Run("symmetric difference", func(t *testing.T) {
		x := a.SymmetricDifference(b)
		want := a.Difference(b).Union(b.Difference(a))
		if !equal(ids(x), ids(want)) {
			t.Errorf("A^B = %v, want %v", ids(x), ids(want))
		}
		if !equal(ids(x), []string{"1", "2", "4"}) {
			t.Errorf("A^B = %v", ids(x))
		}
	})
}

func TestRangeAllowsMutation(t *testing.T) {
	ix := build(t, request{ID: "a"}, request{ID: "b"}, request{ID: "c"})
	ix.Range(func(r request) bool {
		ix.Remove(r)
		return true
	})
	if ix.Len() != 0 {
		t.Errorf("Len() = %d after removing during Range", ix.Len())
	}
}

func TestConcurrentAdd(t *testing.T) {
	ix := New(byID, IgnoreDuplicates())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ix.Add(request{ID: string(rune('a' + i%10))})
		}(i)
	}
	wg.Wait()
	if got := ix.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10", got)
	}
}
