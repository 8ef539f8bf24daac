// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// Profile returns a profile of resident code. Each committed blob is one
// sample, valued by a count of 1 and by its size in bytes, and labeled with
// its heap, kind and state. Each heap is a mapping.
func (c *Cache) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "blobs", Unit: "count"},
			{Type: "code", Unit: "bytes"},
		},
		DefaultSampleType: "code",
		TimeNanos:         time.Now().UnixNano(),
	}
	mappings := make(map[string]*profile.Mapping)
	for _, h := range c.Heaps() {
		m := &profile.Mapping{
			ID:    uint64(len(p.Mapping) + 1),
			Start: uint64(h.LowBoundary()),
			Limit: uint64(h.HighBoundary()),
			File:  h.Name(),
		}
		p.Mapping = append(p.Mapping, m)
		mappings[h.Name()] = m
	}
	funcs := make(map[string]*profile.Function)
	for b := range c.Blobs() {
		name := b.Name()
		if name == "" {
			name = fmt.Sprintf("%s@%s", b.Kind(), b.Addr())
		}
		fn := funcs[name]
		if fn == nil {
			fn = &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
			p.Function = append(p.Function, fn)
			funcs[name] = fn
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: mappings[b.heap.Name()],
			Address: uint64(b.Addr()),
			Line:    []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1, int64(b.CodeSize())},
			Label: map[string][]string{
				"heap":  {b.Type().String()},
				"kind":  {b.Kind().String()},
				"state": {b.State().String()},
			},
		})
	}
	return p
}

// WriteProfile writes Profile to w in gzipped protobuf format.
func (c *Cache) WriteProfile(w io.Writer) error {
	p := c.Profile()
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("codecache: bad profile: %w", err)
	}
	return p.Write(w)
}
