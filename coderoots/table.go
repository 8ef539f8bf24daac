// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coderoots

import (
	"fmt"
	"iter"
	"sync/atomic"
	"unsafe"
)

// Blob is a unit of generated code tracked by a root set.
type Blob interface {
	// Address identifies the blob. It is stable for the blob's lifetime
	// and distinct from every other live blob's.
	Address() uintptr

	// OopsDo calls f for every heap reference embedded in the blob.
	OopsDo(f func(oop uintptr))
}

// A Region is a range of the garbage-collected heap.
type Region interface {
	Contains(addr uintptr) bool
}

// maxFreeEntries bounds the per-table cache of removed entries.
const maxFreeEntries = 32

type entry struct {
	next atomic.Pointer[entry]
	hash uintptr
	blob Blob
}

// Table is a chained hash set of blobs. Its bucket array never changes
// size; growing a set means building a larger Table and copying into it.
//
// Add, Remove, RemoveIf and CopyTo must be serialized by the caller.
// Contains, Do and All may run concurrently with Add: buckets and links are
// published with atomic stores, so a reader sees an entry either fully
// linked or not at all. Readers must not run concurrently with Remove or
// RemoveIf, which recycle entries.
type Table struct {
	buckets []atomic.Pointer[entry]
	mask    uintptr
	length  atomic.Int64

	free    *entry // removed entries, linked through next
	freeLen int

	purgeNext *Table // link on a PurgeList once retired
}

// NewTable returns an empty table with size buckets. size must be a power
// of two.
func NewTable(size int) *Table {
	if size <= 0 || size&(size-1) != 0 {
		panic(fmt.Sprintf("coderoots: table size %d is not a power of two", size))
	}
	return &Table{
		buckets: make([]atomic.Pointer[entry], size),
		mask:    uintptr(size - 1),
	}
}

// hash spreads blob addresses, which are aligned, over the buckets.
func hash(b Blob) uintptr {
	a := b.Address() >> 3
	return a ^ (a >> 7)
}

// Size returns the number of buckets.
func (t *Table) Size() int { return len(t.buckets) }

// Len returns the number of blobs in the table.
func (t *Table) Len() int { return int(t.length.Load()) }

// Add inserts b, reporting whether it was absent.
func (t *Table) Add(b Blob) bool {
	if t.Contains(b) {
		return false
	}
	t.link(t.newEntry(hash(b), b))
	return true
}

func (t *Table) newEntry(h uintptr, b Blob) *entry {
	e := t.free
	if e != nil {
		t.free = e.next.Load()
		t.freeLen--
		e.next.Store(nil)
	} else {
		e = new(entry)
	}
	e.hash, e.blob = h, b
	return e
}

func (t *Table) link(e *entry) {
	bucket := &t.buckets[e.hash&t.mask]
	e.next.Store(bucket.Load())
	bucket.Store(e)
	t.length.Add(1)
}

func (t *Table) release(e *entry) {
	e.blob = nil
	if t.freeLen >= maxFreeEntries {
		return
	}
	e.next.Store(t.free)
	t.free = e
	t.freeLen++
}

// Contains reports whether b is in the table. It takes no locks.
func (t *Table) Contains(b Blob) bool {
	h := hash(b)
	addr := b.Address()
	for e := t.buckets[h&t.mask].Load(); e != nil; e = e.next.Load() {
		if e.hash == h && e.blob.Address() == addr {
			return true
		}
	}
	return false
}

// Remove deletes b, reporting whether it was present.
func (t *Table) Remove(b Blob) bool {
	h := hash(b)
	addr := b.Address()
	link := &t.buckets[h&t.mask]
	for e := link.Load(); e != nil; e = link.Load() {
		if e.hash == h && e.blob.Address() == addr {
			link.Store(e.next.Load())
			t.length.Add(-1)
			t.release(e)
			return true
		}
		link = &e.next
	}
	return false
}

// RemoveIf deletes every blob for which pred returns true, in one pass over
// the table, and returns how many were removed.
func (t *Table) RemoveIf(pred func(Blob) bool) int {
	removed := 0
	for i := range t.buckets {
		link := &t.buckets[i]
		for e := link.Load(); e != nil; e = link.Load() {
			if pred(e.blob) {
				link.Store(e.next.Load())
				t.length.Add(-1)
				t.release(e)
				removed++
				continue
			}
			link = &e.next
		}
	}
	return removed
}

// CopyTo inserts every blob of t into dst. The hash does not depend on the
// table size, so entries are only re-bucketed, not rehashed.
func (t *Table) CopyTo(dst *Table) {
	for i := range t.buckets {
		for e := t.buckets[i].Load(); e != nil; e = e.next.Load() {
			dst.link(dst.newEntry(e.hash, e.blob))
		}
	}
}

// Do calls f for every blob in the table.
func (t *Table) Do(f func(Blob)) {
	for b := range t.All() {
		f(b)
	}
}

// All iterates over the blobs in the table.
func (t *Table) All() iter.Seq[Blob] {
	return func(yield func(Blob) bool) {
		for i := range t.buckets {
			for e := t.buckets[i].Load(); e != nil; e = e.next.Load() {
				if !yield(e.blob) {
					return
				}
			}
		}
	}
}

// MemSize estimates the bytes held by the table.
func (t *Table) MemSize() uintptr {
	return unsafe.Sizeof(*t) +
		uintptr(len(t.buckets))*unsafe.Sizeof(atomic.Pointer[entry]{}) +
		uintptr(t.Len()+t.freeLen)*unsafe.Sizeof(entry{})
}

// destroy drops every entry. The table must be unreachable by readers.
func (t *Table) destroy() {
	clear(t.buckets)
	t.buckets = nil
	t.free, t.freeLen = nil, 0
	t.length.Store(0)
}
