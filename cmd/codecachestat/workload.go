// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"slices"

	"github.com/openjdk/jdk-sub120/codecache"
	"github.com/openjdk/jdk-sub120/coderoots"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	heapBase   = 1 << 30
	regionSize = 1 << 20
)

type options struct {
	compiles int
	gcs      int
	seed     uint64
	regions  int
	profile  io.Writer
	disasm   int
	list     bool
	bulk     bool // unregister unloaded code with one pass per region
	rebuild  int  // every rebuild-th collection is a full one
}

// workload plays the compiler and the collector against one cache.
type workload struct {
	rnd     *rand.Rand
	log     *logrus.Logger
	cache   *codecache.Cache
	regions *coderoots.Regions

	failed, deopts, unloaded, flushed int
	cleaned, purged, rebuilds         int
}

var classes = []string{"java.lang.String", "java.util.HashMap", "java.util.ArrayList", "java.lang.Integer", "Main"}

// insns are the x86-64 instructions emitted as method bodies.
var insns = [][]byte{
	{0x90},                   // nop
	{0x55},                   // push %rbp
	{0x5d},                   // pop %rbp
	{0x48, 0x89, 0xc3},       // mov %rax,%rbx
	{0x48, 0x83, 0xc0, 0x08}, // add $8,%rax
}

func run(w io.Writer, cfg codecache.Config, o options) (err error) {
	cache, err := codecache.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, cache.Close())
	}()
	regions, err := coderoots.NewRegions(heapBase, regionSize, o.regions, coderoots.DefaultConfig(new(coderoots.PurgeList)), cfg.Logger)
	if err != nil {
		return err
	}
	wl := &workload{
		rnd:     rand.New(rand.NewPCG(o.seed, 0)),
		log:     cfg.Logger,
		cache:   cache,
		regions: regions,
	}
	gcEvery := o.compiles / max(o.gcs, 1)
	gcs := 0
	for i := range o.compiles {
		wl.compile(i)
		if o.gcs > 0 && gcEvery > 0 && (i+1)%gcEvery == 0 {
			gcs++
			wl.collect(o.bulk, o.rebuild > 0 && gcs%o.rebuild == 0)
		}
	}
	if err := multierr.Append(cache.Verify(), regions.Verify()); err != nil {
		return err
	}
	return wl.report(w, o)
}

func (wl *workload) compile(i int) {
	typ := codecache.MethodNonProfiled
	kind := codecache.KindNMethod
	size := uintptr(256 + wl.rnd.IntN(16<<10))
	switch r := wl.rnd.IntN(10); {
	case r == 0:
		typ = codecache.NonNMethod
		kind = []codecache.Kind{codecache.KindAdapter, codecache.KindRuntimeStub, codecache.KindBuffer}[wl.rnd.IntN(3)]
		size = uintptr(64 + wl.rnd.IntN(1024))
	case r < 7:
		typ = codecache.MethodProfiled
	}
	b := wl.cache.Allocate(size, typ)
	if b == nil {
		wl.failed++
		return
	}
	used := max(size*uintptr(60+wl.rnd.IntN(41))/100, 1)
	emit(b.Code()[:used], wl.rnd)

	info := codecache.Info{
		Name:     fmt.Sprintf("%s::m%d", classes[wl.rnd.IntN(len(classes))], i),
		Kind:     kind,
		CodeSize: used,
	}
	if kind == codecache.KindNMethod {
		for range 1 + wl.rnd.IntN(4) {
			info.Oops = append(info.Oops, wl.randomOop())
		}
		info.Dependencies = wl.rnd.IntN(5) == 0
	}
	wl.cache.Commit(b, info)
	wl.regions.Register(b)
}

func (wl *workload) randomOop() uintptr {
	return heapBase + uintptr(wl.rnd.Uint64N(uint64(wl.regions.Len())*regionSize))&^7
}

// emit fills code with random instructions ending in a return.
func emit(code []byte, rnd *rand.Rand) {
	n := len(code) - 1
	for i := 0; i < n; {
		in := insns[rnd.IntN(len(insns))]
		if i+len(in) > n {
			in = insns[0]
		}
		i += copy(code[i:n], in)
	}
	code[n] = 0xc3 // ret
}

// collect runs one collection: some dependent code is invalidated, dead
// code is unloaded and the objects in one region are moved to another. A
// full collection moves objects without tracking which code refers to
// them, so the code root sets are rebuilt from the cache afterwards.
func (wl *workload) collect(bulk, full bool) {
	epoch := wl.cache.IncrementGCEpoch()
	wl.deopts += wl.cache.MarkForDeoptimization(func(*codecache.Blob) bool {
		return wl.rnd.IntN(20) == 0
	})
	var unlink func(*codecache.Blob)
	if !bulk {
		unlink = func(b *codecache.Blob) { wl.regions.Unregister(b) }
	}
	unloaded := wl.cache.DoUnloading(
		func(b *codecache.Blob) bool {
			return b.State() != codecache.StateNotEntrant && wl.rnd.IntN(10) != 0
		},
		unlink,
	)
	wl.unloaded += unloaded
	if bulk && unloaded > 0 {
		wl.regions.BulkRemove(func(b coderoots.Blob) bool {
			return b.(*codecache.Blob).State() == codecache.StateZombie
		})
	}

	from := wl.regions.Region(wl.rnd.IntN(wl.regions.Len()))
	to := wl.regions.Region(wl.rnd.IntN(wl.regions.Len()))
	var moved []*codecache.Blob
	if full {
		moved = slices.Collect(wl.cache.NMethods())
	} else {
		wl.regions.NMethodsDo(from.Index, func(b coderoots.Blob) {
			moved = append(moved, b.(*codecache.Blob))
		})
	}
	for _, b := range moved {
		b.FixOops(func(oop uintptr) uintptr {
			if from.Contains(oop) {
				return oop - from.Bottom + to.Bottom
			}
			return oop
		})
		if !full {
			wl.regions.Register(b)
		}
	}
	cleaned := 0
	if full {
		wl.regions.Rebuild(roots(wl.cache.NMethods()))
		wl.rebuilds++
	} else {
		cleaned = wl.regions.Clean()
		wl.cleaned += cleaned
	}
	wl.purged += wl.regions.Purge()
	wl.flushed += wl.cache.FlushZombies()
	wl.log.WithFields(logrus.Fields{
		"epoch":   epoch,
		"full":    full,
		"from":    from.Index,
		"to":      to.Index,
		"moved":   len(moved),
		"cleaned": cleaned,
	}).Debug("collection")
}

// roots adapts a sequence of blobs to the code root sets' view of them.
func roots(blobs iter.Seq[*codecache.Blob]) iter.Seq[coderoots.Blob] {
	return func(yield func(coderoots.Blob) bool) {
		for b := range blobs {
			if !yield(b) {
				return
			}
		}
	}
}

func (wl *workload) report(w io.Writer, o options) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "compiled %d methods: %d allocation failures, %d deoptimized, %d unloaded, %d flushed\n",
		o.compiles, wl.failed, wl.deopts, wl.unloaded, wl.flushed)
	p.Fprintf(w, "code roots: %d stale entries cleaned, %d rebuilds, %d tables purged, %d bytes\n",
		wl.cleaned, wl.rebuilds, wl.purged, wl.regions.MemSize())
	wl.cache.PrintSummary(w, true)
	wl.cache.PrintFragmentation(w)

	if o.list {
		var names []string
		for b := range wl.cache.Blobs() {
			names = append(names, b.Name())
		}
		collate.New(language.Und, collate.Loose).SortStrings(names)
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
	}
	n := 0
	for b := range wl.cache.NMethods() {
		if n >= o.disasm {
			break
		}
		if err := wl.cache.Disassemble(w, b); err != nil {
			return err
		}
		n++
	}
	if o.profile != nil {
		return wl.cache.WriteProfile(o.profile)
	}
	return nil
}
