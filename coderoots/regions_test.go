// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coderoots

import (
	"io"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestRegions(t *testing.T, threshold int) *Regions {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := DefaultConfig(new(PurgeList))
	cfg.Threshold = threshold
	r, err := NewRegions(0x100000, 0x10000, 16, cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRegionsRegister(t *testing.T) {
	r := newTestRegions(t, 24)

	if _, ok := r.RegionFor(0xfffff); ok {
		t.Fatalf("address below the heap has a region")
	}
	if _, ok := r.RegionFor(0x100000 + 16*0x10000); ok {
		t.Fatalf("address above the heap has a region")
	}
	if i, ok := r.RegionFor(0x120008); !ok || i != 2 {
		t.Fatalf("RegionFor(0x120008) = %d, %v; want 2, true", i, ok)
	}

	b := &testBlob{addr: 0x40, oops: []uintptr{0x100010, 0x100020, 0x150000, 0x5}}
	if n := r.Register(b); n != 2 {
		t.Fatalf("Register added to %d sets, want 2", n)
	}
	if !r.Set(0).Contains(b) || !r.Set(5).Contains(b) || r.Set(1).Contains(b) {
		t.Fatalf("blob registered with the wrong regions")
	}
	if err := r.Verify(); err != nil {
		t.Fatal(err)
	}

	// After evacuation the blob only references region 5.
	b.oops = []uintptr{0x150000}
	if n := r.Clean(); n != 1 {
		t.Fatalf("Clean removed %d entries, want 1", n)
	}
	if r.Set(0).Contains(b) || !r.Set(5).Contains(b) {
		t.Fatalf("Clean pruned the wrong regions")
	}

	if n := r.Unregister(b); n != 1 {
		t.Fatalf("Unregister removed from %d sets, want 1", n)
	}
	for i := range r.Len() {
		if !r.Set(i).IsEmpty() {
			t.Fatalf("region %d not empty after unregister", i)
		}
	}
}

func TestRegionsPurge(t *testing.T) {
	r := newTestRegions(t, 4)
	for i := range 10 {
		r.Register(&testBlob{addr: uintptr(64 * (i + 1)), oops: []uintptr{0x100000, 0x110000}})
	}
	visited := 0
	r.NMethodsDo(1, func(Blob) { visited++ })
	if visited != 10 {
		t.Fatalf("NMethodsDo visited %d blobs, want 10", visited)
	}
	if r.MemSize() == 0 {
		t.Fatalf("MemSize is 0")
	}
	if n := r.Purge(); n != 2 {
		t.Fatalf("Purge destroyed %d tables, want 2", n)
	}
	if n := r.Purge(); n != 0 {
		t.Fatalf("second Purge destroyed %d tables", n)
	}
}

func TestRegionsBulkRemove(t *testing.T) {
	r := newTestRegions(t, 4)
	unloaded := map[Blob]bool{}
	var live []*testBlob
	for i := range 30 {
		b := &testBlob{addr: uintptr(64 * (i + 1)), oops: []uintptr{0x100000, 0x100000 + uintptr(i%3+1)*0x10000}}
		r.Register(b)
		if i%4 == 0 {
			unloaded[b] = true
		} else {
			live = append(live, b)
		}
	}
	// 8 unloaded blobs, each in region 0 and one of regions 1 to 3.
	if n := r.BulkRemove(func(b Blob) bool { return unloaded[b] }); n != 16 {
		t.Fatalf("BulkRemove removed %d entries, want 16", n)
	}
	for i := range r.Len() {
		for b := range r.Set(i).All() {
			if unloaded[b] {
				t.Fatalf("unloaded blob %#x still in region %d", b.Address(), i)
			}
		}
	}
	for _, b := range live {
		if !r.Set(0).Contains(b) || !r.Set(int(b.oops[1]-0x100000)/0x10000).Contains(b) {
			t.Fatalf("live blob %#x lost a registration", b.Address())
		}
	}
	if r.Set(0).Len() != len(live) {
		t.Fatalf("region 0 holds %d blobs, want %d", r.Set(0).Len(), len(live))
	}
	if n := r.BulkRemove(func(Blob) bool { return true }); n != 2*len(live) {
		t.Fatalf("BulkRemove of everything removed %d entries, want %d", n, 2*len(live))
	}
	for i := range r.Len() {
		if !r.Set(i).IsEmpty() || r.Set(i).TableSize() != 0 {
			t.Fatalf("region %d still owns a table", i)
		}
	}
	if err := r.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRegionsRebuild(t *testing.T) {
	r := newTestRegions(t, 4)
	var blobs []*testBlob
	for i := range 10 {
		b := &testBlob{addr: uintptr(64 * (i + 1)), oops: []uintptr{0x100000 + uintptr(i)*0x10000}}
		r.Register(b)
		blobs = append(blobs, b)
	}
	// A full collection slides every object up one region.
	for _, b := range blobs {
		b.oops[0] += 0x10000
	}
	if err := r.Verify(); err == nil {
		t.Fatalf("Verify accepted sets that miss the moved objects")
	}
	seq := func(yield func(Blob) bool) {
		for _, b := range blobs {
			if !yield(b) {
				return
			}
		}
	}
	if n := r.Rebuild(seq); n != len(blobs) {
		t.Fatalf("Rebuild added %d entries, want %d", n, len(blobs))
	}
	if !r.Set(0).IsEmpty() {
		t.Fatalf("region 0 kept %d stale entries", r.Set(0).Len())
	}
	for i, b := range blobs {
		if !r.Set(i + 1).Contains(b) || r.Set(i + 1).Len() != 1 {
			t.Fatalf("region %d does not hold exactly blob %d", i+1, i)
		}
	}
	if err := r.Verify(); err != nil {
		t.Fatal(err)
	}

	// Rebuilding from no blobs leaves every set empty.
	if n := r.Rebuild(slices.Values([]Blob{})); n != 0 {
		t.Fatalf("empty Rebuild added %d entries", n)
	}
	for i := range r.Len() {
		if !r.Set(i).IsEmpty() {
			t.Fatalf("region %d not empty after empty rebuild", i)
		}
	}
}

func TestNewRegionsErrors(t *testing.T) {
	cfg := DefaultConfig(new(PurgeList))
	if _, err := NewRegions(0, 3000, 4, cfg, nil); err == nil {
		t.Errorf("non power of two region size accepted")
	}
	if _, err := NewRegions(0, 4096, 0, cfg, nil); err == nil {
		t.Errorf("zero regions accepted")
	}
	cfg.Purge = nil
	if _, err := NewRegions(0, 4096, 4, cfg, nil); err == nil {
		t.Errorf("config without purge list accepted")
	}
}
