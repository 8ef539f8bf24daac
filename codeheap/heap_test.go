// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codeheap

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/openjdk/jdk-sub120/internal/vmem"
)

func newTestHeap(t testing.TB, segments, committed, segSize uintptr) *Heap {
	t.Helper()
	h, err := Reserve("test", segments*segSize, committed, segSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Release() })
	return h
}

func verify(t *testing.T, h *Heap) {
	t.Helper()
	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestReserveErrors(t *testing.T) {
	for _, tc := range []struct {
		name                 string
		reserved, commit, sz uintptr
	}{
		{"segment not pow2", 4096, 0, 96},
		{"zero segment", 4096, 0, 0},
		{"reserve not multiple", 1000, 0, 64},
		{"commit too big", 4096, 8192, 64},
	} {
		if h, err := Reserve(tc.name, tc.reserved, tc.commit, tc.sz); err == nil {
			h.Release()
			t.Errorf("%s: Reserve succeeded", tc.name)
		}
	}
}

func TestReuseFreedMiddle(t *testing.T) {
	h := newTestHeap(t, 4096, 4096*128, 128)

	var blocks [3]Address
	for i := range blocks {
		blocks[i] = h.Allocate(500, false)
		if blocks[i] == 0 {
			t.Fatalf("allocation %d failed", i)
		}
		if got := h.BlockSize(blocks[i]); got != 4*128 {
			t.Fatalf("500-byte block has size %d, want %d", got, 4*128)
		}
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] != blocks[i-1]+4*128 {
			t.Fatalf("blocks not contiguous: %v", blocks)
		}
	}
	h.Deallocate(blocks[1])
	verify(t, h)

	p := h.Allocate(250, false)
	if p < blocks[1] || p+2*128 > blocks[1]+4*128 {
		t.Fatalf("250-byte block at %s, want inside freed block [%s,%s)", p, blocks[1], blocks[1]+4*128)
	}
	if got := h.BlockSize(p); got != 2*128 {
		t.Fatalf("250-byte block has size %d, want %d", got, 2*128)
	}
	if h.FreeBlockCount() != 1 {
		t.Fatalf("want the rest of the freed block on the free list, have %d free blocks", h.FreeBlockCount())
	}
	verify(t, h)
}

func TestCoalesce(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		h := newTestHeap(t, 1024, 1024*64, 64)
		a := h.Allocate(3*64, false)
		b := h.Allocate(5*64, false)
		guard := h.Allocate(64, false)
		if a == 0 || b == 0 || guard == 0 {
			t.Fatal("allocation failed")
		}
		blocks := [2]Address{a, b}
		h.Deallocate(blocks[order[0]])
		h.Deallocate(blocks[order[1]])
		verify(t, h)
		if got := h.FreeBlockSizes(); !slices.Equal(got, []uintptr{8 * 64}) {
			t.Fatalf("order %v: free blocks %v, want one block of %d", order, got, 8*64)
		}
		if p := h.Allocate(8*64, false); p != a {
			t.Fatalf("order %v: merged allocation at %s, want %s", order, p, a)
		}
		verify(t, h)
	}
}

func TestCoalesceBothSides(t *testing.T) {
	h := newTestHeap(t, 1024, 1024*64, 64)
	var p [5]Address
	for i := range p {
		p[i] = h.Allocate(64, false)
	}
	h.Deallocate(p[1])
	h.Deallocate(p[3])
	if h.FreeBlockCount() != 2 {
		t.Fatalf("have %d free blocks, want 2", h.FreeBlockCount())
	}
	h.Deallocate(p[2])
	verify(t, h)
	if got := h.FreeBlockSizes(); !slices.Equal(got, []uintptr{3 * 64}) {
		t.Fatalf("free blocks %v, want one of %d", got, 3*64)
	}
}

func TestTailReturnsToBumpRegion(t *testing.T) {
	h := newTestHeap(t, 1024, 1024*64, 64)
	a := h.Allocate(64, false)
	b := h.Allocate(64, false)
	h.Deallocate(b)
	if h.FreeBlockCount() != 0 {
		t.Fatalf("top block stayed on the free list")
	}
	h.Deallocate(a)
	verify(t, h)
	if h.AllocatedCapacity() != 0 || h.First() != 0 {
		t.Fatalf("heap not empty after freeing everything")
	}
	if p := h.Allocate(64, false); p != a {
		t.Fatalf("allocation after emptying at %s, want %s", p, a)
	}
}

func TestDeallocateTail(t *testing.T) {
	h := newTestHeap(t, 1024, 1024*64, 64)
	p := h.Allocate(10*64, false)
	q := h.Allocate(64, false)
	if freed := h.DeallocateTail(p, 3*64-1); freed != 7*64 {
		t.Fatalf("DeallocateTail freed %d bytes, want %d", freed, 7*64)
	}
	verify(t, h)
	if h.BlockSize(p) != 3*64 {
		t.Fatalf("block size after trim is %d, want %d", h.BlockSize(p), 3*64)
	}
	if r := h.Allocate(7*64, false); r != p+3*64 {
		t.Fatalf("tail not reused: got %s, want %s", r, p+3*64)
	}
	if freed := h.DeallocateTail(q, 64); freed != 0 {
		t.Fatalf("trimming an exact fit freed %d bytes", freed)
	}
}

func TestExhaustionAndExpansion(t *testing.T) {
	page := vmem.PageSize
	h := newTestHeap(t, 4*page/64, page, 64)
	segs := int(page / 64)
	for i := range segs {
		if h.Allocate(64, false) == 0 {
			t.Fatalf("allocation %d of %d failed", i, segs)
		}
	}
	if h.Allocate(64, false) != 0 {
		t.Fatal("allocation beyond committed memory succeeded")
	}
	h.ReportFull()
	if h.FullCount() != 1 {
		t.Fatalf("FullCount = %d, want 1", h.FullCount())
	}
	if h.Allocate(64, true) == 0 {
		t.Fatal("critical allocation did not expand the heap")
	}
	if h.Capacity() != 2*page {
		t.Fatalf("Capacity = %d after critical expansion, want %d", h.Capacity(), 2*page)
	}
	if !h.ExpandBy(2 * page) {
		t.Fatal("ExpandBy within the reservation failed")
	}
	if h.ExpandBy(page) {
		t.Fatal("ExpandBy past the reservation succeeded")
	}
	verify(t, h)
}

func TestIteration(t *testing.T) {
	h := newTestHeap(t, 1024, 1024*64, 64)
	var want []Address
	for i := range 10 {
		p := h.Allocate(uintptr(i+1)*40, false)
		want = append(want, p)
	}
	freed := map[Address]bool{}
	for _, i := range []int{0, 3, 4, 9} {
		h.Deallocate(want[i])
		freed[want[i]] = true
	}
	want = slices.DeleteFunc(want, func(p Address) bool { return freed[p] })
	if got := slices.Collect(h.All()); !slices.Equal(got, want) {
		t.Fatalf("All() = %v, want %v", got, want)
	}
	if h.BlockCount() != len(want) {
		t.Fatalf("BlockCount = %d, want %d", h.BlockCount(), len(want))
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h := newTestHeap(t, 1024, 1024*64, 64)
	p := h.Allocate(64, false)
	h.Allocate(64, false)
	h.Deallocate(p)
	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	h.Deallocate(p)
}

type span struct {
	p    Address
	size uintptr
}

func TestRandomAllocations(t *testing.T) {
	const segSize = 32
	h := newTestHeap(t, 8192, 8192*segSize, segSize)
	rnd := rand.New(rand.NewPCG(1, 2))
	live := map[Address]uintptr{}

	for op := range 4000 {
		if len(live) == 0 || rnd.UintN(3) != 0 {
			size := uintptr(1 + rnd.UintN(20*segSize))
			p := h.Allocate(size, false)
			if p == 0 {
				continue
			}
			if _, ok := live[p]; ok {
				t.Fatalf("op %d: %s handed out twice", op, p)
			}
			live[p] = size
		} else {
			for p := range live {
				h.Deallocate(p)
				delete(live, p)
				break
			}
		}
		if op%97 == 0 {
			verify(t, h)
		}

		// Live allocations are disjoint.
		spans := make([]span, 0, len(live))
		for p, size := range live {
			spans = append(spans, span{p, size})
		}
		slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.p, b.p) })
		for i := 1; i < len(spans); i++ {
			if spans[i-1].p+Address(spans[i-1].size) > spans[i].p {
				t.Fatalf("op %d: %v overlaps %v", op, spans[i-1], spans[i])
			}
		}
		// FindStart maps interior addresses back to the block.
		for _, sp := range spans[:min(len(spans), 4)] {
			off := Address(rnd.UintN(uint(sp.size)))
			if got := h.FindStart(sp.p + off); got != sp.p {
				t.Fatalf("op %d: FindStart(%s+%d) = %s, want %s", op, sp.p, off, got, sp.p)
			}
		}
	}
	verify(t, h)

	if got := h.FindStart(h.HighBoundary()); got != 0 {
		t.Fatalf("FindStart outside heap = %s", got)
	}
}

func BenchmarkAllocateFree(b *testing.B) {
	h := newTestHeap(b, 1<<16, 1<<16*64, 64)
	rnd := rand.New(rand.NewPCG(0, 0))
	ring := make([]Address, 256)
	for i := 0; i < b.N; i++ {
		slot := i % len(ring)
		if ring[slot] != 0 {
			h.Deallocate(ring[slot])
		}
		ring[slot] = h.Allocate(uintptr(64+rnd.UintN(1024)), false)
	}
}
