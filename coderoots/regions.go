// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coderoots

import (
	"fmt"
	"iter"
	"math/bits"

	"github.com/sirupsen/logrus"
)

// HeapRegion is one fixed-size region of a Regions heap.
type HeapRegion struct {
	Index       int
	Bottom, End uintptr
}

func (r HeapRegion) Contains(addr uintptr) bool {
	return r.Bottom <= addr && addr < r.End
}

func (r HeapRegion) String() string {
	return fmt.Sprintf("region %d [%#x,%#x)", r.Index, r.Bottom, r.End)
}

// Regions is a heap of equally sized regions, each with its own code root
// set. It is the collector's side of code root tracking: blobs are
// registered with every region they reference, unregistered when they are
// freed, and pruned after evacuation.
type Regions struct {
	base  uintptr
	shift uint
	sets  []*Set
	cfg   Config
	log   *logrus.Logger
}

// NewRegions covers count regions of regionSize bytes starting at base.
// regionSize must be a power of two.
func NewRegions(base, regionSize uintptr, count int, cfg Config, log *logrus.Logger) (*Regions, error) {
	if regionSize == 0 || regionSize&(regionSize-1) != 0 {
		return nil, fmt.Errorf("coderoots: region size %d is not a power of two", regionSize)
	}
	if count <= 0 {
		return nil, fmt.Errorf("coderoots: region count %d must be positive", count)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coderoots: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Regions{
		base:  base,
		shift: uint(bits.TrailingZeros64(uint64(regionSize))),
		sets:  make([]*Set, count),
		cfg:   cfg,
		log:   log,
	}
	for i := range r.sets {
		r.sets[i] = NewSet(&r.cfg)
	}
	return r, nil
}

// Len returns the number of regions.
func (r *Regions) Len() int { return len(r.sets) }

// Region returns region i.
func (r *Regions) Region(i int) HeapRegion {
	bottom := r.base + uintptr(i)<<r.shift
	return HeapRegion{Index: i, Bottom: bottom, End: bottom + 1<<r.shift}
}

// RegionFor returns the index of the region containing addr.
func (r *Regions) RegionFor(addr uintptr) (int, bool) {
	if addr < r.base {
		return 0, false
	}
	i := (addr - r.base) >> r.shift
	if i >= uintptr(len(r.sets)) {
		return 0, false
	}
	return int(i), true
}

// Set returns the code root set of region i.
func (r *Regions) Set(i int) *Set { return r.sets[i] }

// Register adds b to the root set of every region it references and
// returns the number of sets it was newly added to.
func (r *Regions) Register(b Blob) int {
	added := 0
	b.OopsDo(func(oop uintptr) {
		if i, ok := r.RegionFor(oop); ok && r.sets[i].Add(b) {
			added++
		}
	})
	return added
}

// Unregister removes b from the root set of every region it references and
// returns the number of sets it was removed from.
func (r *Regions) Unregister(b Blob) int {
	removed := 0
	b.OopsDo(func(oop uintptr) {
		if i, ok := r.RegionFor(oop); ok && r.sets[i].Remove(b) {
			removed++
		}
	})
	return removed
}

// BulkRemove removes every blob for which pred returns true from all sets,
// with one pass over each set. It is the bulk form of Unregister for use
// after unloading, when many blobs leave at once. It returns the total
// number of entries removed.
func (r *Regions) BulkRemove(pred func(Blob) bool) int {
	removed := 0
	for _, s := range r.sets {
		removed += s.RemoveIf(pred)
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Debug("bulk removed code roots")
	}
	return removed
}

// Rebuild empties every set and registers each of blobs again. After a
// full collection has moved objects without maintaining the sets, this
// brings them back in line with the code. It returns the number of
// entries added.
func (r *Regions) Rebuild(blobs iter.Seq[Blob]) int {
	for _, s := range r.sets {
		s.Clear()
	}
	added, n := 0, 0
	for b := range blobs {
		added += r.Register(b)
		n++
	}
	r.log.WithFields(logrus.Fields{"blobs": n, "entries": added}).Debug("rebuilt code root sets")
	return added
}

// Clean prunes every region's set of blobs that no longer reference the
// region and returns the total number removed.
func (r *Regions) Clean() int {
	removed := 0
	for i, s := range r.sets {
		removed += s.Clean(r.Region(i))
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Debug("cleaned code root sets")
	}
	return removed
}

// Purge destroys tables retired by set growth. It must be called at a
// safepoint.
func (r *Regions) Purge() int {
	n := r.cfg.Purge.Purge()
	if n > 0 {
		r.log.Debugf("purged %d code root tables", n)
	}
	return n
}

// NMethodsDo calls f for every blob registered with region i.
func (r *Regions) NMethodsDo(i int, f func(Blob)) {
	r.sets[i].NMethodsDo(f)
}

// MemSize estimates the bytes held by all sets and retired tables.
func (r *Regions) MemSize() uintptr {
	size := r.cfg.Purge.MemSize()
	for _, s := range r.sets {
		size += s.MemSize()
	}
	return size
}

// Verify checks that every blob in a region's set references that region.
func (r *Regions) Verify() error {
	for i, s := range r.sets {
		region := r.Region(i)
		n := 0
		for b := range s.All() {
			n++
			if !pointsInto(b, region) {
				return fmt.Errorf("coderoots: blob %#x in %s has no reference into it", b.Address(), region)
			}
		}
		if n != s.Len() {
			return fmt.Errorf("coderoots: %s holds %d blobs, length says %d", region, n, s.Len())
		}
	}
	return nil
}
