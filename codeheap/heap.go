// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codeheap implements a segmented heap for generated code.
//
// A Heap is a reserved range of address space divided into fixed-size,
// power-of-two segments. Blocks are runs of whole segments. Block headers
// are kept in a side table indexed by a block's first segment rather than in
// front of the payload, so a payload address maps to its header by a shift.
//
// Two bitmaps parallel the segments. The occupancy map has a bit set for
// every segment of a used block; the start map has a bit set for the first
// segment of every block, used or free. Together they answer "which block
// contains this address" without walking the heap.
//
// Free blocks are kept on a singly linked list sorted by address. Adjacent
// free blocks are always coalesced, and a free block that ends at the bump
// pointer is returned to the never-used tail of the heap.
//
// A Heap is not safe for concurrent use; callers serialize all operations on
// one heap with their allocation lock.
package codeheap

import (
	"fmt"
	"iter"
	"math/bits"

	"github.com/openjdk/jdk-sub120/internal/bitmap"
	"github.com/openjdk/jdk-sub120/internal/vmem"
)

// Address is an address inside a heap. The zero Address is null.
type Address uintptr

func (a Address) String() string {
	return fmt.Sprintf("0x%016x", uint64(a))
}

// segment is a segment index relative to the heap's low boundary.
type segment uint64

const noSegment = ^segment(0)

// header describes the block starting at its segment.
type header struct {
	length segment // in segments, > 0
	next   segment // next free block if free, else noSegment
	free   bool
}

// Heap is a segmented code heap.
type Heap struct {
	name string
	mem  *vmem.Reservation
	low  Address

	log2SegmentSize uint
	reserved        segment // segments in the reservation
	committed       segment // segments backed by memory
	nextSegment     segment // segments at and above this have never been handed out

	blocks []header // len(blocks) == committed
	used   bitmap.Set[segment]
	starts bitmap.Set[segment]

	freeList     segment
	freeSegments segment // segments on the free list
	freeBlocks   int
	blockCount   int // used blocks

	maxAllocated segment // high watermark of allocated segments
	fullCount    int
}

// Reserve creates a heap named name over reservedSize bytes of address
// space, of which committedSize bytes are committed up front. segmentSize
// must be a power of two, and reservedSize a multiple of it.
func Reserve(name string, reservedSize, committedSize, segmentSize uintptr) (*Heap, error) {
	if segmentSize == 0 || segmentSize&(segmentSize-1) != 0 {
		return nil, fmt.Errorf("codeheap %s: segment size %d is not a power of two", name, segmentSize)
	}
	if reservedSize == 0 || reservedSize%segmentSize != 0 {
		return nil, fmt.Errorf("codeheap %s: reserved size %d is not a positive multiple of the segment size %d", name, reservedSize, segmentSize)
	}
	if committedSize > reservedSize {
		return nil, fmt.Errorf("codeheap %s: committed size %d exceeds reserved size %d", name, committedSize, reservedSize)
	}
	mem, err := vmem.Reserve(reservedSize)
	if err != nil {
		return nil, fmt.Errorf("codeheap %s: %w", name, err)
	}
	h := &Heap{
		name:            name,
		mem:             mem,
		low:             Address(mem.Base()),
		log2SegmentSize: uint(bits.TrailingZeros64(uint64(segmentSize))),
		reserved:        segment(reservedSize / segmentSize),
		freeList:        noSegment,
	}
	h.used = bitmap.NewSet(h.reserved)
	h.starts = bitmap.NewSet(h.reserved)
	if committedSize > 0 && !h.ExpandBy(committedSize) {
		mem.Release()
		return nil, fmt.Errorf("codeheap %s: cannot commit %d bytes", name, committedSize)
	}
	return h, nil
}

// Release returns the heap's memory to the OS. The heap must not be used
// afterwards.
func (h *Heap) Release() error {
	h.blocks = nil
	return h.mem.Release()
}

func (h *Heap) Name() string { return h.name }

func (h *Heap) SegmentSize() uintptr { return 1 << h.log2SegmentSize }

// ExpandBy commits at least size more bytes. It reports false, committing
// nothing, if that would exceed the reservation.
func (h *Heap) ExpandBy(size uintptr) bool {
	size = vmem.AlignUp(size, vmem.PageSize)
	target := h.mem.Committed() + size
	if size == 0 || target > h.mem.Size() {
		return false
	}
	if err := h.mem.Commit(target); err != nil {
		return false
	}
	committed := segment(h.mem.Committed() >> h.log2SegmentSize)
	if committed > h.reserved {
		committed = h.reserved
	}
	h.blocks = append(h.blocks, make([]header, committed-h.committed)...)
	h.committed = committed
	return true
}

func (h *Heap) segmentsFor(size uintptr) segment {
	return segment((size + h.SegmentSize() - 1) >> h.log2SegmentSize)
}

func (h *Heap) addressOf(s segment) Address {
	return h.low + Address(s)<<h.log2SegmentSize
}

func (h *Heap) segmentOf(p Address) segment {
	return segment((p - h.low) >> h.log2SegmentSize)
}

// Allocate returns the payload address of a new block of at least size
// bytes, or 0 if the heap cannot satisfy the request. The free list is
// searched first-fit before the never-used tail is taken. If critical is
// set, the heap also tries to commit enough memory for the request before
// giving up.
func (h *Heap) Allocate(size uintptr, critical bool) Address {
	if size == 0 {
		panic(fmt.Sprintf("codeheap %s: zero-sized allocation", h.name))
	}
	n := h.segmentsFor(size)
	if s, ok := h.searchFreeList(n); ok {
		return h.markUsed(s, n)
	}
	if h.nextSegment+n > h.committed && critical {
		h.ExpandBy(uintptr(h.nextSegment+n-h.committed) << h.log2SegmentSize)
	}
	if h.nextSegment+n <= h.committed {
		s := h.nextSegment
		h.nextSegment += n
		h.starts.Add(s)
		return h.markUsed(s, n)
	}
	return 0
}

func (h *Heap) markUsed(s, n segment) Address {
	h.blocks[s] = header{length: n, next: noSegment}
	h.used.AddRange(s, s+n)
	h.blockCount++
	h.maxAllocated = max(h.maxAllocated, h.allocatedSegments())
	return h.addressOf(s)
}

// searchFreeList unlinks the first free block of at least n segments,
// splitting off and keeping any remainder on the list.
func (h *Heap) searchFreeList(n segment) (segment, bool) {
	prev := noSegment
	for cur := h.freeList; cur != noSegment; prev, cur = cur, h.blocks[cur].next {
		b := &h.blocks[cur]
		if b.length < n {
			continue
		}
		next := b.next
		if b.length > n {
			rest := cur + n
			h.blocks[rest] = header{length: b.length - n, next: next, free: true}
			h.starts.Add(rest)
			next = rest
			h.freeBlocks++
		}
		if prev == noSegment {
			h.freeList = next
		} else {
			h.blocks[prev].next = next
		}
		h.freeBlocks--
		h.freeSegments -= n
		return cur, true
	}
	return 0, false
}

// Deallocate frees the block whose payload starts at p.
func (h *Heap) Deallocate(p Address) {
	s := h.blockStart(p, "Deallocate")
	n := h.blocks[s].length
	h.used.RemoveRange(s, s+n)
	h.blockCount--
	h.addToFreeList(s, n)
}

// DeallocateTail shrinks the block at p to the segments needed for usedSize
// bytes and frees the rest. It returns the number of bytes freed.
func (h *Heap) DeallocateTail(p Address, usedSize uintptr) uintptr {
	s := h.blockStart(p, "DeallocateTail")
	keep := max(h.segmentsFor(usedSize), 1)
	n := h.blocks[s].length
	if keep >= n {
		return 0
	}
	tail := s + keep
	h.blocks[s].length = keep
	h.used.RemoveRange(tail, s+n)
	h.starts.Add(tail)
	h.addToFreeList(tail, n-keep)
	return uintptr(n-keep) << h.log2SegmentSize
}

// blockStart returns the segment of the used block whose payload starts at
// p, panicking if there is none.
func (h *Heap) blockStart(p Address, op string) segment {
	if !h.Contains(p) || (p-h.low)&(Address(h.SegmentSize())-1) != 0 {
		panic(fmt.Sprintf("codeheap %s: %s of %s, not a block in %s", h.name, op, p, h.rangeString()))
	}
	s := h.segmentOf(p)
	if !h.starts.Has(s) || h.blocks[s].free {
		panic(fmt.Sprintf("codeheap %s: %s of %s, which is not an allocated block", h.name, op, p))
	}
	return s
}

// addToFreeList links the n-segment block at s into the free list in address
// order, coalescing with free neighbours on both sides.
func (h *Heap) addToFreeList(s, n segment) {
	h.blocks[s] = header{length: n, next: noSegment, free: true}
	h.freeSegments += n

	// Find the free blocks immediately before and after s in address order,
	// and the list predecessor of the one before.
	pprev, prev, cur := noSegment, noSegment, h.freeList
	for cur != noSegment && cur < s {
		pprev, prev, cur = prev, cur, h.blocks[cur].next
	}

	if cur != noSegment && s+n == cur {
		h.blocks[s].length += h.blocks[cur].length
		h.starts.Remove(cur)
		cur = h.blocks[cur].next
		h.freeBlocks--
	}

	pred := prev
	if prev != noSegment && prev+h.blocks[prev].length == s {
		h.blocks[prev].length += h.blocks[s].length
		h.blocks[prev].next = cur
		h.starts.Remove(s)
		s, pred = prev, pprev
	} else {
		h.blocks[s].next = cur
		if prev == noSegment {
			h.freeList = s
		} else {
			h.blocks[prev].next = s
		}
		h.freeBlocks++
	}

	// A free block at the top of the used area goes back to the tail.
	if end := s + h.blocks[s].length; end == h.nextSegment {
		if pred == noSegment {
			h.freeList = h.blocks[s].next
		} else {
			h.blocks[pred].next = h.blocks[s].next
		}
		h.freeBlocks--
		h.freeSegments -= h.blocks[s].length
		h.starts.Remove(s)
		h.blocks[s] = header{}
		h.nextSegment = s
	}
}

// Contains reports whether p lies in the committed part of the heap.
func (h *Heap) Contains(p Address) bool {
	return h.low <= p && p < h.High()
}

// FindStart returns the payload address of the used block containing p, or
// 0 if p is not inside a used block.
func (h *Heap) FindStart(p Address) Address {
	if !h.Contains(p) {
		return 0
	}
	s := h.segmentOf(p)
	if s >= h.nextSegment || !h.used.Has(s) {
		return 0
	}
	start, ok := h.starts.Prev(s)
	if !ok {
		panic(fmt.Sprintf("codeheap %s: used segment %d has no block start", h.name, s))
	}
	return h.addressOf(start)
}

// BlockSize returns the size in bytes of the used block at p.
func (h *Heap) BlockSize(p Address) uintptr {
	s := h.blockStart(p, "BlockSize")
	return uintptr(h.blocks[s].length) << h.log2SegmentSize
}

// Bytes returns the n bytes of payload starting at p.
func (h *Heap) Bytes(p Address, n uintptr) []byte {
	off := uintptr(p - h.low)
	return h.mem.Bytes()[off : off+n : off+n]
}

// First returns the first used block, or 0 if there is none.
func (h *Heap) First() Address {
	return h.nextUsed(0)
}

// Next returns the used block following the block at p, or 0.
func (h *Heap) Next(p Address) Address {
	s := h.blockStart(p, "Next")
	return h.nextUsed(s + h.blocks[s].length)
}

// nextUsed returns the first used block at or after segment s. Free blocks
// have no occupancy bits, so the next set bit is always a block start.
func (h *Heap) nextUsed(s segment) Address {
	u, ok := h.used.Next(s)
	if !ok || u >= h.nextSegment {
		return 0
	}
	return h.addressOf(u)
}

// All iterates over the payload addresses of all used blocks in address
// order. The heap must not be modified during iteration.
func (h *Heap) All() iter.Seq[Address] {
	return func(yield func(Address) bool) {
		for p := h.First(); p != 0; p = h.Next(p) {
			if !yield(p) {
				return
			}
		}
	}
}

func (h *Heap) allocatedSegments() segment {
	return h.nextSegment - h.freeSegments
}

// LowBoundary returns the lowest address of the reservation.
func (h *Heap) LowBoundary() Address { return h.low }

// High returns the end of the committed part of the heap.
func (h *Heap) High() Address { return h.addressOf(h.committed) }

// HighBoundary returns the end of the reservation.
func (h *Heap) HighBoundary() Address { return h.addressOf(h.reserved) }

// Capacity returns the committed size in bytes.
func (h *Heap) Capacity() uintptr { return uintptr(h.committed) << h.log2SegmentSize }

// MaxCapacity returns the reserved size in bytes.
func (h *Heap) MaxCapacity() uintptr { return uintptr(h.reserved) << h.log2SegmentSize }

// AllocatedCapacity returns the bytes in used blocks.
func (h *Heap) AllocatedCapacity() uintptr {
	return uintptr(h.allocatedSegments()) << h.log2SegmentSize
}

// UnallocatedCapacity returns the committed bytes not in used blocks.
func (h *Heap) UnallocatedCapacity() uintptr {
	return h.Capacity() - h.AllocatedCapacity()
}

// MaxAllocatedCapacity returns the high watermark of AllocatedCapacity.
func (h *Heap) MaxAllocatedCapacity() uintptr {
	return uintptr(h.maxAllocated) << h.log2SegmentSize
}

// BlockCount returns the number of used blocks.
func (h *Heap) BlockCount() int { return h.blockCount }

// FreeBlockCount returns the number of blocks on the free list.
func (h *Heap) FreeBlockCount() int { return h.freeBlocks }

// FreeBlockSizes returns the size in bytes of every block on the free list,
// in address order.
func (h *Heap) FreeBlockSizes() []uintptr {
	sizes := make([]uintptr, 0, h.freeBlocks)
	for cur := h.freeList; cur != noSegment; cur = h.blocks[cur].next {
		sizes = append(sizes, uintptr(h.blocks[cur].length)<<h.log2SegmentSize)
	}
	return sizes
}

// ReportFull records that the heap could not satisfy a request even after
// its owner tried to expand it.
func (h *Heap) ReportFull() { h.fullCount++ }

// FullCount returns the number of times ReportFull was called.
func (h *Heap) FullCount() int { return h.fullCount }

func (h *Heap) rangeString() string {
	return fmt.Sprintf("[%s,%s)", h.low, h.High())
}

func (h *Heap) String() string {
	return fmt.Sprintf("CodeHeap '%s': %s reserved=%dKB committed=%dKB used=%dKB blocks=%d free-blocks=%d",
		h.name, h.rangeString(), h.MaxCapacity()>>10, h.Capacity()>>10, h.AllocatedCapacity()>>10, h.blockCount, h.freeBlocks)
}
