// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coderoots tracks, per garbage-collected heap region, the set of
// generated-code blobs that embed references into that region.
//
// A Set starts empty with no table at all. The first Add creates a small
// table; once the set holds Threshold blobs it moves to a large table. The
// small table is not freed at that point, because lock-free readers may
// still be walking it. It goes on a PurgeList and is destroyed when the
// collector calls Purge at a safepoint. When a set drops back to zero
// blobs its table is dropped immediately.
package coderoots

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
)

// Config sizes the tables of a Set.
type Config struct {
	// SmallSize is the bucket count of the first table.
	SmallSize int
	// LargeSize is the bucket count of the table a set moves to once it
	// holds Threshold blobs.
	LargeSize int
	// Threshold is the number of blobs at which a set moves to a large
	// table.
	Threshold int

	// Purge receives tables replaced by a larger one.
	Purge *PurgeList
}

// DefaultConfig returns the VM's default sizing using the given purge list.
func DefaultConfig(purge *PurgeList) Config {
	return Config{
		SmallSize: 32,
		LargeSize: 512,
		Threshold: 24,
		Purge:     purge,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var err error
	if c.SmallSize <= 0 || c.SmallSize&(c.SmallSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("small table size %d is not a power of two", c.SmallSize))
	}
	if c.LargeSize <= 0 || c.LargeSize&(c.LargeSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("large table size %d is not a power of two", c.LargeSize))
	}
	if c.LargeSize <= c.SmallSize {
		err = multierr.Append(err, fmt.Errorf("large table size %d must exceed small table size %d", c.LargeSize, c.SmallSize))
	}
	if c.Threshold < 1 {
		err = multierr.Append(err, fmt.Errorf("threshold %d must be positive", c.Threshold))
	}
	if c.Purge == nil {
		err = multierr.Append(err, fmt.Errorf("no purge list"))
	}
	return err
}

// Set is the code root set of one heap region.
//
// Add, Remove, RemoveIf, Clean and Clear serialize on the set's lock. Contains,
// NMethodsDo and All take no lock and may run concurrently with Add.
type Set struct {
	cfg *Config

	mu     sync.Mutex
	table  atomic.Pointer[Table] // nil when empty
	length atomic.Int64
}

// NewSet returns an empty set. It panics if cfg is invalid.
func NewSet(cfg *Config) *Set {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("coderoots: bad config: %v", err))
	}
	return &Set{cfg: cfg}
}

// Add inserts b, reporting whether it was absent.
func (s *Set) Add(b Blob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table.Load()
	if t == nil {
		t = NewTable(s.cfg.SmallSize)
		s.table.Store(t)
	}
	if !t.Add(b) {
		return false
	}
	n := s.length.Add(1)
	if n == int64(s.cfg.Threshold) && t.Size() == s.cfg.SmallSize {
		s.moveToLarge(t)
	}
	return true
}

// moveToLarge publishes a large copy of t and retires t.
func (s *Set) moveToLarge(t *Table) {
	large := NewTable(s.cfg.LargeSize)
	t.CopyTo(large)
	s.table.Store(large)
	s.cfg.Purge.Push(t)
}

// Remove deletes b, reporting whether it was present.
func (s *Set) Remove(b Blob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table.Load()
	if t == nil || !t.Remove(b) {
		return false
	}
	if s.length.Add(-1) == 0 {
		s.table.Store(nil)
	}
	return true
}

// Contains reports whether b is in the set. It takes no locks.
func (s *Set) Contains(b Blob) bool {
	t := s.table.Load()
	return t != nil && t.Contains(b)
}

// Clean removes every blob that no longer has a reference into r and
// returns how many were removed.
func (s *Set) Clean(r Region) int {
	return s.RemoveIf(func(b Blob) bool {
		return !pointsInto(b, r)
	})
}

// RemoveIf removes every blob for which pred returns true and returns how
// many were removed. A set left empty drops its table.
func (s *Set) RemoveIf(pred func(Blob) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table.Load()
	if t == nil {
		return 0
	}
	removed := t.RemoveIf(pred)
	if s.length.Add(int64(-removed)) == 0 {
		s.table.Store(nil)
	}
	return removed
}

func pointsInto(b Blob, r Region) bool {
	found := false
	b.OopsDo(func(oop uintptr) {
		found = found || r.Contains(oop)
	})
	return found
}

// Clear drops every blob.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Store(nil)
	s.length.Store(0)
}

// NMethodsDo calls f for every blob in the set.
func (s *Set) NMethodsDo(f func(Blob)) {
	if t := s.table.Load(); t != nil {
		t.Do(f)
	}
}

// All iterates over the blobs in the set.
func (s *Set) All() iter.Seq[Blob] {
	return func(yield func(Blob) bool) {
		t := s.table.Load()
		if t == nil {
			return
		}
		for b := range t.All() {
			if !yield(b) {
				return
			}
		}
	}
}

// Len returns the number of blobs in the set.
func (s *Set) Len() int { return int(s.length.Load()) }

// IsEmpty reports whether the set holds no blobs. An empty set owns no
// table.
func (s *Set) IsEmpty() bool { return s.Len() == 0 }

// TableSize returns the bucket count of the current table, or 0 if the set
// owns none.
func (s *Set) TableSize() int {
	if t := s.table.Load(); t != nil {
		return t.Size()
	}
	return 0
}

// MemSize estimates the bytes held by the set, including its table.
func (s *Set) MemSize() uintptr {
	size := unsafe.Sizeof(*s)
	if t := s.table.Load(); t != nil {
		size += t.MemSize()
	}
	return size
}
