// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coderoots

import "sync/atomic"

// PurgeList holds tables that have been replaced by a larger copy but may
// still be in use by lock-free readers. Any goroutine may retire a table;
// the tables are destroyed only by Purge.
type PurgeList struct {
	head atomic.Pointer[Table]

	retired atomic.Int64
	purged  atomic.Int64
}

// Push retires t. t must no longer be reachable from any set.
func (l *PurgeList) Push(t *Table) {
	for {
		old := l.head.Load()
		t.purgeNext = old
		if l.head.CompareAndSwap(old, t) {
			l.retired.Add(1)
			return
		}
	}
}

// Purge destroys every retired table and returns how many there were.
//
// Purge must only be called when no reader can still be walking a retired
// table, that is, at a safepoint.
func (l *PurgeList) Purge() int {
	t := l.head.Swap(nil)
	n := 0
	for t != nil {
		next := t.purgeNext
		t.purgeNext = nil
		t.destroy()
		t = next
		n++
	}
	l.purged.Add(int64(n))
	return n
}

// IsEmpty reports whether no tables are waiting to be purged.
func (l *PurgeList) IsEmpty() bool {
	return l.head.Load() == nil
}

// Len returns the number of tables waiting to be purged. It is exact only
// when no goroutine is pushing or purging.
func (l *PurgeList) Len() int {
	n := 0
	for t := l.head.Load(); t != nil; t = t.purgeNext {
		n++
	}
	return n
}

// MemSize estimates the bytes held by retired tables.
func (l *PurgeList) MemSize() uintptr {
	var size uintptr
	for t := l.head.Load(); t != nil; t = t.purgeNext {
		size += t.MemSize()
	}
	return size
}

// Retired returns the number of tables ever pushed.
func (l *PurgeList) Retired() int64 { return l.retired.Load() }

// Purged returns the number of tables ever destroyed.
func (l *PurgeList) Purged() int64 { return l.purged.Load() }
