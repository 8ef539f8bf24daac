// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"fmt"
	"io"

	"github.com/aclements/go-moremath/stats"
	"github.com/openjdk/jdk-sub120/codeheap"
	"go.uber.org/multierr"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Capacity returns the committed bytes of all heaps.
func (c *Cache) Capacity() uintptr {
	return c.sum((*codeheap.Heap).Capacity)
}

// MaxCapacity returns the reserved bytes of all heaps.
func (c *Cache) MaxCapacity() uintptr {
	return c.sum((*codeheap.Heap).MaxCapacity)
}

// UnallocatedCapacity returns the committed bytes not in use in any heap.
func (c *Cache) UnallocatedCapacity() uintptr {
	return c.sum((*codeheap.Heap).UnallocatedCapacity)
}

func (c *Cache) sum(f func(*codeheap.Heap) uintptr) uintptr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n uintptr
	for _, h := range c.heaps {
		n += f(h.Heap)
	}
	return n
}

// UnallocatedCapacityOf returns the bytes still available to blobs of type
// typ in their own heap, counting memory that is reserved but not yet
// committed.
func (c *Cache) UnallocatedCapacityOf(typ BlobType) uintptr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.HeapFor(typ)
	if h == nil {
		return 0
	}
	return h.MaxCapacity() - h.AllocatedCapacity()
}

// ReverseFreeRatio returns the size of the heap for typ divided by its free
// bytes. It grows without bound as the heap fills up.
func (c *Cache) ReverseFreeRatio(typ BlobType) float64 {
	h := c.HeapFor(typ)
	if h == nil {
		return 0
	}
	free := max(float64(c.UnallocatedCapacityOf(typ)), 1)
	return float64(h.MaxCapacity()) / free
}

// BlobCount returns the number of allocated blobs.
func (c *Cache) BlobCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blobs)
}

// NMethodCount returns the number of committed nmethods.
func (c *Cache) NMethodCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nmethods
}

// AdapterCount returns the number of committed adapters.
func (c *Cache) AdapterCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapters
}

// FullCount returns the number of allocations of type typ that failed in
// every candidate heap.
func (c *Cache) FullCount(typ BlobType) int64 {
	if typ < 0 || typ >= numBlobTypes {
		return 0
	}
	return c.full[typ].Load()
}

// PrintSummary writes one paragraph per heap with its usage and bounds. If
// detailed is set it also writes blob counts.
func (c *Cache) PrintSummary(w io.Writer, detailed bool) {
	p := message.NewPrinter(language.English)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.heaps {
		name := "CodeHeap '" + h.Name() + "'"
		if !c.Segmented() {
			name = h.Name()
		}
		p.Fprintf(w, "%s: size=%dKb used=%dKb max_used=%dKb free=%dKb\n", name,
			h.Capacity()>>10, h.AllocatedCapacity()>>10, h.MaxAllocatedCapacity()>>10, h.UnallocatedCapacity()>>10)
		fmt.Fprintf(w, " bounds [%s, %s, %s]\n", h.LowBoundary(), h.High(), h.HighBoundary())
		if detailed {
			p.Fprintf(w, " blocks=%d free_blocks=%d full_count=%d\n", h.BlockCount(), h.FreeBlockCount(), h.FullCount())
		}
	}
	if detailed {
		p.Fprintf(w, " total_blobs=%d nmethods=%d adapters=%d\n", len(c.blobs), c.nmethods, c.adapters)
		p.Fprintf(w, " compilation: %s\n", c.compilationState())
	}
}

func (c *Cache) compilationState() string {
	for t := range numBlobTypes {
		if c.full[t].Load() > 0 {
			return "disabled (not enough contiguous free space left)"
		}
	}
	return "enabled"
}

// PrintFragmentation writes statistics about the free blocks of each heap.
func (c *Cache) PrintFragmentation(w io.Writer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.heaps {
		sizes := h.FreeBlockSizes()
		tail := h.Capacity() - h.AllocatedCapacity() - sum(sizes)
		fmt.Fprintf(w, "%s: %d free blocks, %dKb unused tail\n", h.Name(), len(sizes), tail>>10)
		if len(sizes) == 0 {
			continue
		}
		s := stats.Sample{Xs: make([]float64, len(sizes))}
		for i, n := range sizes {
			s.Xs[i] = float64(n)
		}
		s.Sort()
		lo, hi := s.Bounds()
		fmt.Fprintf(w, " free block size: min=%.0f mean=%.0f median=%.0f p90=%.0f max=%.0f\n",
			lo, s.Mean(), s.Quantile(0.5), s.Quantile(0.9), hi)
	}
}

func sum(xs []uintptr) uintptr {
	var n uintptr
	for _, x := range xs {
		n += x
	}
	return n
}

// Verify checks every heap and that the cache's blob table matches the
// heaps' used blocks.
func (c *Cache) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var err error
	seen := 0
	for _, h := range c.heaps {
		if herr := h.Verify(); herr != nil {
			err = multierr.Append(err, herr)
			continue
		}
		for p := range h.All() {
			b, ok := c.blobs[p]
			if !ok {
				err = multierr.Append(err, fmt.Errorf("codecache: %s: used block at %s has no blob", h.Name(), p))
				continue
			}
			seen++
			if b.heap != h.Heap {
				err = multierr.Append(err, fmt.Errorf("codecache: blob at %s belongs to %s, found in %s", p, b.heap.Name(), h.Name()))
			}
			if size := h.BlockSize(p); size != b.Size() {
				err = multierr.Append(err, fmt.Errorf("codecache: blob at %s has size %d, block has %d", p, b.Size(), size))
			}
		}
	}
	if seen != len(c.blobs) {
		err = multierr.Append(err, fmt.Errorf("codecache: %d blobs, %d used blocks", len(c.blobs), seen))
	}
	if n := int(c.deps.GetCardinality()); n > len(c.byID) {
		err = multierr.Append(err, fmt.Errorf("codecache: %d blobs with dependencies, only %d blobs", n, len(c.byID)))
	}
	return err
}
