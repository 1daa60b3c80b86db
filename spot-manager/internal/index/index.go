// Package index provides Index, a concurrent set of items identified by a
// key extracted from each item. Two indexes built with the same key function
// support set algebra (difference, intersection, union, symmetric difference).
package index

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrDuplicateKey is returned by Add when a different item already holds the key.
var ErrDuplicateKey = errors.New("key already filled")

// Option configures an Index.
type Option func(*options)

type options struct {
	failOnDup bool
}

// IgnoreDuplicates makes Add keep the existing item, without error, when
// another item with the same key is added.
func IgnoreDuplicates() Option {
	return func(o *options) { o.failOnDup = false }
}

// Index maps keys to items and enforces key uniqueness. It is safe for
// concurrent use.
type Index[K comparable, T any] struct {
	keyOf     func(T) K
	failOnDup bool

	mu    sync.RWMutex
	items map[K]T
}

// New returns an empty index keyed by keyOf. A composite key is expressed by
// returning a comparable struct.
func New[K comparable, T any](keyOf func(T) K, opts ...Option) *Index[K, T] {
	if keyOf == nil {
		panic("index: nil key function")
	}
	o := options{failOnDup: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Index[K, T]{
		keyOf:     keyOf,
		failOnDup: o.failOnDup,
		items:     make(map[K]T),
	}
}

// From builds an index holding items. Duplicates are resolved per opts.
func From[K comparable, T any](keyOf func(T) K, items []T, opts ...Option) (*Index[K, T], error) {
	ix := New(keyOf, opts...)
	if err := ix.AddAll(items...); err != nil {
		return nil, err
	}
	return ix, nil
}

// empty returns a new index sharing the key definition of ix
func (ix *Index[K, T]) empty(failOnDup bool) *Index[K, T] {
	return &Index[K, T]{
		keyOf:     ix.keyOf,
		failOnDup: failOnDup,
		items:     make(map[K]T),
	}
}

// Key returns the key of item.
func (ix *Index[K, T]) Key(item T) K {
	return ix.keyOf(item)
}

// Add inserts item. Adding an equal item twice is a no-op. Adding a
// different item under an existing key returns ErrDuplicateKey unless the
// index ignores duplicates.
func (ix *Index[K, T]) Add(item T) error {
	k := ix.keyOf(item)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(k, item, ix.failOnDup)
}

func (ix *Index[K, T]) addLocked(k K, item T, failOnDup bool) error {
	existing, ok := ix.items[k]
	if !ok {
		ix.items[k] = item
		return nil
	}
	if failOnDup && !reflect.DeepEqual(existing, item) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, k)
	}
	return nil
}

// AddAll adds each item, stopping at the first error.
func (ix *Index[K, T]) AddAll(items ...T) error {
	for _, it := range items {
		if err := ix.Add(it); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the item with the same key as item. Removing an absent key
// does nothing.
func (ix *Index[K, T]) Remove(item T) {
	ix.RemoveKey(ix.keyOf(item))
}

// RemoveKey deletes the item stored under k, if any.
func (ix *Index[K, T]) RemoveKey(k K) {
	ix.mu.Lock()
	delete(ix.items, k)
	ix.mu.Unlock()
}

// Get returns the item stored under k.
func (ix *Index[K, T]) Get(k K) (T, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	v, ok := ix.items[k]
	return v, ok
}

// Contains reports whether an item with the key of item is present.
func (ix *Index[K, T]) Contains(item T) bool {
	return ix.ContainsKey(ix.keyOf(item))
}

// ContainsKey reports whether k is present.
func (ix *Index[K, T]) ContainsKey(k K) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.items[k]
	return ok
}

// Len returns the number of items.
func (ix *Index[K, T]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Items returns a snapshot of the items in unspecified order.
func (ix *Index[K, T]) Items() []T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]T, 0, len(ix.items))
	for _, v := range ix.items {
		out = append(out, v)
	}
	return out
}

// Range calls fn for each item of a snapshot until fn returns false.
// fn may modify the index.
func (ix *Index[K, T]) Range(fn func(T) bool) {
	for _, v := range ix.Items() {
		if !fn(v) {
			return
		}
	}
}

// Difference returns the items of ix whose keys are not in other.
func (ix *Index[K, T]) Difference(other *Index[K, T]) *Index[K, T] {
	out := ix.empty(ix.failOnDup)
	for _, v := range ix.Items() {
		k := ix.keyOf(v)
		if !other.ContainsKey(k) {
			out.items[k] = v
		}
	}
	return out
}

// Intersection returns the items of ix whose keys are also in other.
func (ix *Index[K, T]) Intersection(other *Index[K, T]) *Index[K, T] {
	out := ix.empty(true)
	for _, v := range ix.Items() {
		k := ix.keyOf(v)
		if other.ContainsKey(k) {
			out.items[k] = v
		}
	}
	return out
}

// Union returns every item of ix and other. On a key collision the item
// from ix is kept; collisions never fail.
func (ix *Index[K, T]) Union(other *Index[K, T]) *Index[K, T] {
	out := ix.empty(true)
	for _, v := range ix.Items() {
		out.items[ix.keyOf(v)] = v
	}
	for _, v := range other.Items() {
		_ = out.addLocked(ix.keyOf(v), v, false)
	}
	return out
}

// Merge adds every item of other to ix in place. On a key collision the
// item from other replaces the one in ix.
func (ix *Index[K, T]) Merge(other *Index[K, T]) *Index[K, T] {
	incoming := other.Items()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, v := range incoming {
		ix.items[ix.keyOf(v)] = v
	}
	return ix
}

// SymmetricDifference returns the items whose keys are in exactly one of
// ix and other.
func (ix *Index[K, T]) SymmetricDifference(other *Index[K, T]) *Index[K, T] {
	return ix.Difference(other).Union(other.Difference(ix))
}
