// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coderoots

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/aclements/go-perfevent/events"
	"github.com/aclements/go-perfevent/perf"
)

func TestTableCopyTo(t *testing.T) {
	small := NewTable(4)
	for i := handle(1); i <= 50; i++ {
		small.Add(i * 16)
	}
	large := NewTable(64)
	small.CopyTo(large)
	if large.Len() != small.Len() {
		t.Fatalf("copy has %d blobs, want %d", large.Len(), small.Len())
	}
	for i := handle(1); i <= 50; i++ {
		if !large.Contains(i * 16) {
			t.Fatalf("copy lost blob %d", i*16)
		}
	}
	if large.Add(handle(16)) {
		t.Fatalf("copy accepted a duplicate")
	}
}

func TestTableRemoveIf(t *testing.T) {
	tab := NewTable(8)
	for i := handle(0); i < 100; i++ {
		tab.Add(i * 8)
	}
	removed := tab.RemoveIf(func(b Blob) bool { return b.Address()%16 == 0 })
	if removed != 50 || tab.Len() != 50 {
		t.Fatalf("RemoveIf removed %d, left %d; want 50, 50", removed, tab.Len())
	}
	for b := range tab.All() {
		if b.Address()%16 == 0 {
			t.Fatalf("blob %#x survived RemoveIf", b.Address())
		}
	}
}

func TestTableReusesEntries(t *testing.T) {
	tab := NewTable(8)
	for i := handle(1); i <= 10; i++ {
		tab.Add(i * 8)
	}
	for i := handle(1); i <= 10; i++ {
		tab.Remove(i * 8)
	}
	if tab.freeLen != 10 {
		t.Fatalf("free list holds %d entries, want 10", tab.freeLen)
	}
	for i := handle(1); i <= 4; i++ {
		tab.Add(i * 24)
	}
	if tab.freeLen != 6 {
		t.Fatalf("free list holds %d entries after reuse, want 6", tab.freeLen)
	}
	for i := handle(1); i <= 4; i++ {
		if !tab.Contains(i * 24) {
			t.Fatalf("recycled entry lost blob %d", i*24)
		}
	}
	for i := handle(1); i <= 100; i++ {
		tab.Add(i*8 + 1000)
	}
	for i := handle(1); i <= 100; i++ {
		tab.Remove(i*8 + 1000)
	}
	if tab.freeLen != maxFreeEntries {
		t.Fatalf("free list holds %d entries, want the cap %d", tab.freeLen, maxFreeEntries)
	}
}

func TestTableBadSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewTable(12) did not panic")
		}
	}()
	NewTable(12)
}

func TestPurgeListConcurrentPush(t *testing.T) {
	var l PurgeList
	const pushers, each = 8, 100
	var wg sync.WaitGroup
	for range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				tab := NewTable(2)
				tab.Add(handle(8))
				l.Push(tab)
			}
		}()
	}
	wg.Wait()
	if l.Len() != pushers*each {
		t.Fatalf("purge list holds %d tables, want %d", l.Len(), pushers*each)
	}
	if l.MemSize() == 0 {
		t.Fatalf("MemSize of a full purge list is 0")
	}
	if n := l.Purge(); n != pushers*each {
		t.Fatalf("Purge destroyed %d tables, want %d", n, pushers*each)
	}
	if !l.IsEmpty() || l.Retired() != l.Purged() {
		t.Fatalf("purge list not drained: empty=%v retired=%d purged=%d", l.IsEmpty(), l.Retired(), l.Purged())
	}
}

func BenchmarkContains(b *testing.B) {
	for _, size := range []int{32, 512} {
		tab := NewTable(size)
		for i := handle(1); i <= handle(size); i++ {
			tab.Add(i * 64)
		}
		b.Run(fmt.Sprintf("buckets=%d", size), func(b *testing.B) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			counters, err := perf.OpenCounter(perf.TargetThisGoroutine, events.EventCPUCycles, events.EventTaskClock)
			if err != nil {
				b.Skipf("error opening perf counters: %s", err)
			}
			defer counters.Close()
			b.ResetTimer()
			counters.Start()
			var start [2]perf.Count
			if err := counters.ReadGroup(start[:]); err != nil {
				b.Fatalf("error reading perf event: %s", err)
			}

			for i := 0; i < b.N; i++ {
				tab.Contains(handle(64 * (1 + i%size)))
			}

			b.StopTimer()
			var end [2]perf.Count
			if err := counters.ReadGroup(end[:]); err != nil {
				b.Fatalf("error reading perf event: %s", err)
			}
			sc, _ := start[0].Value()
			ec, _ := end[0].Value()
			b.ReportMetric(float64(ec-sc)/float64(b.N), "cpu-cycles/op")
			stc, _ := start[1].Value()
			etc, _ := end[1].Value()
			b.ReportMetric((time.Duration(etc-stc) * time.Nanosecond).Seconds(), "task-sec")
		})
	}
}
