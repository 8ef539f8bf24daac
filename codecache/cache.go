// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codecache manages generated code.
//
// A Cache owns one code heap per blob type, or a single heap if it is not
// segmented. Compilers allocate a blob, emit code into it, and commit it;
// the collector looks blobs up by address, walks them, and unloads the dead
// ones. Allocation falls back to other heaps when the preferred one is full.
//
// All mutation of the heaps happens under the cache's lock. Blob state and
// the statistics counters are atomic so they can be read without it.
package codecache

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/elastic/go-freelru"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openjdk/jdk-sub120/codeheap"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Cache is a code cache.
type Cache struct {
	cfg Config
	log *logrus.Logger

	mu     sync.RWMutex
	heaps  []*heap // in layout order
	byType [numBlobTypes]*heap
	low    codeheap.Address
	high   codeheap.Address
	closed bool

	blobs  map[codeheap.Address]*Blob // every allocated blob, by address
	byID   map[uint32]*Blob
	nextID uint32
	deps   *roaring.Bitmap // ids of committed blobs with dependencies

	nmethods, adapters int

	lookups  *freelru.SyncedLRU[codeheap.Address, *Blob] // by segment start
	listings *lru.Cache[uint32, string]

	gcEpoch        atomic.Uint64
	unloadingCycle atomic.Uint32
	full           [numBlobTypes]atomic.Int64
}

type heap struct {
	*codeheap.Heap
	typ        BlobType
	fullLogged bool
}

// New reserves the heaps described by cfg.
func New(cfg Config) (*Cache, error) {
	layout, err := cfg.layout()
	if err != nil {
		return nil, fmt.Errorf("codecache: invalid configuration: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.LookupCacheSize == 0 {
		cfg.LookupCacheSize = 1
	}
	if cfg.ListingCacheSize <= 0 {
		cfg.ListingCacheSize = 1
	}
	c := &Cache{
		cfg:   cfg,
		log:   cfg.Logger,
		blobs: make(map[codeheap.Address]*Blob),
		byID:  make(map[uint32]*Blob),
		deps:  roaring.New(),
	}
	c.lookups, err = freelru.NewSynced[codeheap.Address, *Blob](cfg.LookupCacheSize, hashAddress)
	if err != nil {
		return nil, fmt.Errorf("codecache: %w", err)
	}
	c.listings, err = lru.New[uint32, string](cfg.ListingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("codecache: %w", err)
	}
	c.unloadingCycle.Store(1)

	for _, l := range layout {
		h, err := codeheap.Reserve(l.typ.String(), l.reserved, l.commit, cfg.SegmentSize)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("codecache: %w", err), c.release())
		}
		ch := &heap{Heap: h, typ: l.typ}
		c.heaps = append(c.heaps, ch)
		c.byType[l.typ] = ch
		if c.low == 0 || h.LowBoundary() < c.low {
			c.low = h.LowBoundary()
		}
		c.high = max(c.high, h.HighBoundary())
		c.log.WithFields(logrus.Fields{
			"heap":      h.Name(),
			"reserved":  l.reserved,
			"committed": l.commit,
		}).Debug("reserved code heap")
	}
	return c, nil
}

func hashAddress(a codeheap.Address) uint32 {
	x := uint64(a) >> 4
	return uint32(x ^ x>>32)
}

// Close releases all heaps. Blobs must not be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.lookups.Purge()
	c.listings.Purge()
	return c.release()
}

func (c *Cache) release() error {
	var err error
	for _, h := range c.heaps {
		err = multierr.Append(err, h.Release())
	}
	c.heaps = nil
	c.byType = [numBlobTypes]*heap{}
	clear(c.blobs)
	clear(c.byID)
	return err
}

// Segmented reports whether the cache has one heap per blob type.
func (c *Cache) Segmented() bool { return c.cfg.Segmented }

// Allocate returns a new blob of at least size bytes for code of type typ,
// or nil if no candidate heap can hold it.
func (c *Cache) Allocate(size uintptr, typ BlobType) *Blob {
	return c.allocate(size, typ, false)
}

// AllocateCritical is like Allocate, for allocations the VM cannot do
// without. The heap itself commits more memory before giving up.
func (c *Cache) AllocateCritical(size uintptr, typ BlobType) *Blob {
	return c.allocate(size, typ, true)
}

func (c *Cache) allocate(size uintptr, typ BlobType, critical bool) *Blob {
	if typ < 0 || typ >= numBlobTypes {
		panic(fmt.Sprintf("codecache: allocation of bad blob type %d", int(typ)))
	}
	if size == 0 {
		panic("codecache: zero-sized allocation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic("codecache: allocation in closed cache")
	}
	for _, cand := range c.cfg.candidates(typ) {
		h := c.byType[cand]
		if h == nil {
			continue
		}
		p := h.Allocate(size, critical)
		if p == 0 && c.expand(h, size) {
			p = h.Allocate(size, critical)
		}
		if p == 0 {
			c.reportFull(h)
			continue
		}
		if cand != typ && c.Segmented() {
			c.log.WithFields(logrus.Fields{"type": typ, "heap": h.Name(), "size": size}).Debug("code heap fallback")
		}
		c.nextID++
		b := &Blob{
			id:   c.nextID,
			typ:  h.typ,
			heap: h.Heap,
			addr: p,
			code: h.Bytes(p, h.BlockSize(p)),
		}
		c.blobs[p] = b
		c.byID[b.id] = b
		return b
	}
	c.full[typ].Add(1)
	return nil
}

// expand commits ExpansionSize more bytes of h, or at least size.
func (c *Cache) expand(h *heap, size uintptr) bool {
	grow := max(c.cfg.ExpansionSize, size)
	if !h.ExpandBy(grow) && (grow == size || !h.ExpandBy(size)) {
		return false
	}
	c.log.WithFields(logrus.Fields{"heap": h.Name(), "committed": h.Capacity()}).Debug("expanded code heap")
	return true
}

func (c *Cache) reportFull(h *heap) {
	h.ReportFull()
	entry := c.log.WithFields(logrus.Fields{
		"heap":     h.Name(),
		"capacity": h.MaxCapacity(),
		"free":     h.UnallocatedCapacity(),
	})
	if !h.fullLogged {
		h.fullLogged = true
		entry.Warn("code cache is full; compiled code may be slower")
		return
	}
	entry.Debug("code cache is full")
}

// Commit publishes b with the information the compiler produced for it. The
// unused tail of b's block is given back to its heap.
func (c *Cache) Commit(b *Blob, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blobs[b.addr] != b {
		panic(fmt.Sprintf("codecache: commit of unknown blob at %s", b.addr))
	}
	if s := b.State(); s != StateAllocated {
		panic(fmt.Sprintf("codecache: commit of %s blob at %s", s, b.addr))
	}
	size := uintptr(len(b.code))
	if info.CodeSize > size {
		panic(fmt.Sprintf("codecache: %d bytes of code in a %d byte blob", info.CodeSize, size))
	}
	b.codeSize = size
	if info.CodeSize > 0 {
		freed := b.heap.DeallocateTail(b.addr, info.CodeSize)
		b.code = b.code[:size-freed : size-freed]
		b.codeSize = info.CodeSize
	}
	b.name = info.Name
	b.kind = info.Kind
	b.oops = slices.Clone(info.Oops)
	b.dependencies = info.Dependencies
	b.gcEpoch.Store(c.gcEpoch.Load())
	b.state.Store(uint32(StateInUse))

	switch b.kind {
	case KindNMethod:
		c.nmethods++
	case KindAdapter:
		c.adapters++
	}
	if b.dependencies {
		c.deps.Add(b.id)
	}
}

// Free gives b's memory back to its heap.
func (c *Cache) Free(b *Blob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free(b)
}

func (c *Cache) free(b *Blob) {
	if c.blobs[b.addr] != b {
		panic(fmt.Sprintf("codecache: free of unknown blob at %s", b.addr))
	}
	if b.State() != StateAllocated {
		switch b.kind {
		case KindNMethod:
			c.nmethods--
		case KindAdapter:
			c.adapters--
		}
	}
	delete(c.blobs, b.addr)
	delete(c.byID, b.id)
	c.deps.Remove(b.id)
	b.state.Store(uint32(StateFreed))
	c.forget(b)
	b.heap.Deallocate(b.addr)
	c.listings.Remove(b.id)
}

// lookupKey returns the start of the heap segment containing p. A segment
// never holds more than one blob, so all addresses in it share an entry.
func (c *Cache) lookupKey(p codeheap.Address) codeheap.Address {
	for _, h := range c.heaps {
		if lo := h.LowBoundary(); lo <= p && p < h.HighBoundary() {
			return p - (p-lo)%codeheap.Address(h.SegmentSize())
		}
	}
	return p
}

// forget drops the lookup entries of every segment of b.
func (c *Cache) forget(b *Blob) {
	seg := codeheap.Address(b.heap.SegmentSize())
	for k := b.addr; k < b.addr+codeheap.Address(b.Size()); k += seg {
		c.lookups.Remove(k)
	}
}

// Contains reports whether p lies in the address range of any heap.
func (c *Cache) Contains(p codeheap.Address) bool {
	return c.low <= p && p < c.high
}

// heapContaining returns the heap whose committed range contains p.
func (c *Cache) heapContaining(p codeheap.Address) *heap {
	for _, h := range c.heaps {
		if h.Contains(p) {
			return h
		}
	}
	return nil
}

// FindBlob returns the live blob containing p, or nil. Zombie and freed
// blobs are not returned.
func (c *Cache) FindBlob(p codeheap.Address) *Blob {
	if b := c.FindBlobUnsafe(p); b != nil && b.alive() {
		return b
	}
	return nil
}

// FindBlobUnsafe returns the committed blob containing p, or nil. Unlike
// FindBlob it also returns zombies, which callers must be prepared for.
func (c *Cache) FindBlobUnsafe(p codeheap.Address) *Blob {
	if !c.Contains(p) {
		return nil
	}
	// A lookup racing with Free can insert a blob after forget, so cached
	// entries are checked again.
	key := c.lookupKey(p)
	if b, ok := c.lookups.Get(key); ok && b.State() != StateFreed && b.Contains(p) {
		return b
	}
	c.mu.RLock()
	var b *Blob
	if h := c.heapContaining(p); h != nil {
		if start := h.FindStart(p); start != 0 {
			b = c.blobs[start]
		}
	}
	c.mu.RUnlock()
	if b == nil || b.State() == StateAllocated {
		return nil
	}
	c.lookups.Add(key, b)
	return b
}

// FindNMethod returns the live nmethod containing p, or nil.
func (c *Cache) FindNMethod(p codeheap.Address) *Blob {
	if b := c.FindBlob(p); b != nil && b.IsNMethod() {
		return b
	}
	return nil
}

// snapshot returns the committed blobs for which keep is true, in address
// order of their heaps.
func (c *Cache) snapshot(keep func(*Blob) bool) []*Blob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Blob
	for _, h := range c.heaps {
		for p := range h.All() {
			b := c.blobs[p]
			if b != nil && b.State() != StateAllocated && keep(b) {
				out = append(out, b)
			}
		}
	}
	return out
}

func (c *Cache) iterate(keep func(*Blob) bool) iter.Seq[*Blob] {
	return func(yield func(*Blob) bool) {
		for _, b := range c.snapshot(keep) {
			if !yield(b) {
				return
			}
		}
	}
}

// Blobs iterates over all committed blobs. The blobs are collected when
// iteration starts, so the body may allocate and free.
func (c *Cache) Blobs() iter.Seq[*Blob] {
	return c.iterate(func(*Blob) bool { return true })
}

// NMethods iterates over committed nmethods that are not zombies.
func (c *Cache) NMethods() iter.Seq[*Blob] {
	return c.iterate(func(b *Blob) bool { return b.IsNMethod() && b.alive() })
}

// BlobsOf iterates over the committed blobs in the heap of type typ.
func (c *Cache) BlobsOf(typ BlobType) iter.Seq[*Blob] {
	return c.iterate(func(b *Blob) bool { return b.typ == typ })
}

// HeapFor returns the heap that blobs of type typ are allocated in first,
// or nil.
func (c *Cache) HeapFor(typ BlobType) *codeheap.Heap {
	if typ < 0 || typ >= numBlobTypes {
		return nil
	}
	if !c.Segmented() {
		typ = All
	}
	if h := c.byType[typ]; h != nil {
		return h.Heap
	}
	return nil
}

// Heaps returns the cache's heaps in layout order.
func (c *Cache) Heaps() []*codeheap.Heap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs := make([]*codeheap.Heap, len(c.heaps))
	for i, h := range c.heaps {
		hs[i] = h.Heap
	}
	return hs
}

// LowBound and HighBound return the bounds of the address range covered
// by all heaps.
func (c *Cache) LowBound() codeheap.Address { return c.low }
func (c *Cache) HighBound() codeheap.Address { return c.high }
