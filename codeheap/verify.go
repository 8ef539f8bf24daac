// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codeheap

import "fmt"

// Verify walks every block of the heap and checks that the side table, both
// bitmaps, the free list, and the counters agree.
func (h *Heap) Verify() error {
	var used, free segment
	var usedBlocks, freeBlocks int
	prevFree := false
	for s := segment(0); s < h.nextSegment; {
		if !h.starts.Has(s) {
			return fmt.Errorf("codeheap %s: segment %d follows a block but has no start bit", h.name, s)
		}
		b := h.blocks[s]
		if b.length == 0 || s+b.length > h.nextSegment {
			return fmt.Errorf("codeheap %s: block at segment %d has bad length %d", h.name, s, b.length)
		}
		if n := h.starts.LenRange(s, s+b.length); n != 1 {
			return fmt.Errorf("codeheap %s: block at segment %d covers %d block starts", h.name, s, n)
		}
		if b.free {
			if prevFree {
				return fmt.Errorf("codeheap %s: free block at segment %d was not coalesced", h.name, s)
			}
			if !h.used.NoneRange(s, s+b.length) {
				return fmt.Errorf("codeheap %s: free block at segment %d has occupancy bits", h.name, s)
			}
			free += b.length
			freeBlocks++
		} else {
			if !h.used.AllRange(s, s+b.length) {
				return fmt.Errorf("codeheap %s: used block at segment %d is missing occupancy bits", h.name, s)
			}
			used += b.length
			usedBlocks++
		}
		prevFree = b.free
		s += b.length
	}
	if prevFree {
		return fmt.Errorf("codeheap %s: free block ends at the top of the used area", h.name)
	}
	if h.used.LenRange(h.nextSegment, h.reserved) != 0 || h.starts.LenRange(h.nextSegment, h.reserved) != 0 {
		return fmt.Errorf("codeheap %s: bits set above segment %d", h.name, h.nextSegment)
	}

	var listed segment
	var listedBlocks int
	last := noSegment
	for cur := h.freeList; cur != noSegment; cur = h.blocks[cur].next {
		if last != noSegment && cur <= last {
			return fmt.Errorf("codeheap %s: free list out of order at segment %d", h.name, cur)
		}
		if !h.blocks[cur].free || !h.starts.Has(cur) {
			return fmt.Errorf("codeheap %s: free list entry %d is not a free block", h.name, cur)
		}
		listed += h.blocks[cur].length
		listedBlocks++
		last = cur
	}

	switch {
	case listed != free || listed != h.freeSegments:
		return fmt.Errorf("codeheap %s: free list holds %d segments, heap walk found %d, counter says %d", h.name, listed, free, h.freeSegments)
	case listedBlocks != freeBlocks || listedBlocks != h.freeBlocks:
		return fmt.Errorf("codeheap %s: free list holds %d blocks, heap walk found %d, counter says %d", h.name, listedBlocks, freeBlocks, h.freeBlocks)
	case usedBlocks != h.blockCount:
		return fmt.Errorf("codeheap %s: heap walk found %d used blocks, counter says %d", h.name, usedBlocks, h.blockCount)
	case used != h.allocatedSegments():
		return fmt.Errorf("codeheap %s: heap walk found %d used segments, counters say %d", h.name, used, h.allocatedSegments())
	case h.nextSegment > h.committed:
		return fmt.Errorf("codeheap %s: %d segments handed out but only %d committed", h.name, h.nextSegment, h.committed)
	}
	return nil
}
