// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/openjdk/jdk-sub120/internal/vmem"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// BlobType is the category of code a heap holds.
type BlobType int

const (
	// MethodNonProfiled holds fully optimized compiled methods.
	MethodNonProfiled BlobType = iota
	// MethodProfiled holds compiled methods that still collect profiles.
	MethodProfiled
	// NonNMethod holds everything that is not a compiled method: stubs,
	// adapters, buffers and the interpreter.
	NonNMethod
	// All is the single heap of an unsegmented cache.
	All

	numBlobTypes
)

var blobTypeNames = [numBlobTypes]string{
	MethodNonProfiled: "non-profiled nmethods",
	MethodProfiled:    "profiled nmethods",
	NonNMethod:        "non-nmethods",
	All:               "CodeCache",
}

func (t BlobType) String() string {
	if t < 0 || t >= numBlobTypes {
		return fmt.Sprintf("BlobType(%d)", int(t))
	}
	return blobTypeNames[t]
}

const (
	defaultReservedSize   = 240 << 20
	defaultInitialSize    = 2496 << 10
	defaultNonNMethodSize = 8 << 20
	defaultSegmentSize    = 128
	defaultExpansionSize  = 64 << 10
	minSegmentSize        = 16
)

// Config describes the layout of a code cache.
type Config struct {
	// Segmented splits the cache into one heap per BlobType. Otherwise a
	// single heap of type All holds everything.
	Segmented bool

	// ReservedSize is the total address space reserved for code, and
	// InitialSize the part of it committed up front, spread over the heaps
	// in proportion to their size.
	ReservedSize uintptr
	InitialSize  uintptr

	// Sizes of the heaps of a segmented cache. Zero sizes are derived from
	// ReservedSize: the non-nmethod heap gets a default share and the rest
	// is split between the method heaps.
	NonNMethodSize  uintptr
	ProfiledSize    uintptr
	NonProfiledSize uintptr

	SegmentSize   uintptr
	ExpansionSize uintptr

	// Fallbacks lists, for each blob type, the heaps tried in order when
	// allocating a blob of that type.
	Fallbacks map[BlobType][]BlobType

	// LookupCacheSize is the capacity of the address to blob cache in front
	// of FindBlob. ListingCacheSize is the number of disassembly listings
	// kept.
	LookupCacheSize  uint32
	ListingCacheSize int

	Logger *logrus.Logger
}

// DefaultConfig returns the configuration of a segmented cache with the
// VM's default sizes.
func DefaultConfig() Config {
	return Config{
		Segmented:        true,
		ReservedSize:     defaultReservedSize,
		InitialSize:      defaultInitialSize,
		SegmentSize:      defaultSegmentSize,
		ExpansionSize:    defaultExpansionSize,
		Fallbacks:        DefaultFallbacks(),
		LookupCacheSize:  1024,
		ListingCacheSize: 64,
	}
}

// DefaultFallbacks returns the default allocation order: non-nmethod code
// spills into the non-profiled heap, and the two method heaps spill into
// each other.
func DefaultFallbacks() map[BlobType][]BlobType {
	return map[BlobType][]BlobType{
		NonNMethod:        {NonNMethod, MethodNonProfiled},
		MethodProfiled:    {MethodProfiled, MethodNonProfiled},
		MethodNonProfiled: {MethodNonProfiled, MethodProfiled},
	}
}

// RegisterFlags registers flags for c's fields on fs, using the VM's flag
// names. The current values of c are the defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Segmented, "SegmentedCodeCache", c.Segmented, "split the code cache into per-type heaps")
	fs.Var((*byteSize)(&c.ReservedSize), "ReservedCodeCacheSize", "reserved code cache `size`")
	fs.Var((*byteSize)(&c.InitialSize), "InitialCodeCacheSize", "initially committed code cache `size`")
	fs.Var((*byteSize)(&c.NonNMethodSize), "NonNMethodCodeHeapSize", "`size` of the non-nmethod heap (0 derives it)")
	fs.Var((*byteSize)(&c.ProfiledSize), "ProfiledCodeHeapSize", "`size` of the profiled nmethod heap (0 derives it)")
	fs.Var((*byteSize)(&c.NonProfiledSize), "NonProfiledCodeHeapSize", "`size` of the non-profiled nmethod heap (0 derives it)")
	fs.Var((*byteSize)(&c.SegmentSize), "CodeCacheSegmentSize", "code cache allocation granularity in `bytes`")
	fs.Var((*byteSize)(&c.ExpansionSize), "CodeCacheExpansionSize", "`size` by which a full heap is expanded")
}

// byteSize is a flag.Value for sizes written like 240M, 64K or 128.
type byteSize uintptr

func (s *byteSize) String() string {
	if s == nil {
		return "0"
	}
	n := uint64(*s)
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"G", 30}, {"M", 20}, {"K", 10}} {
		if n != 0 && n&(1<<u.shift-1) == 0 {
			return strconv.FormatUint(n>>u.shift, 10) + u.suffix
		}
	}
	return strconv.FormatUint(n, 10)
}

func (s *byteSize) Set(v string) error {
	shift := uint(0)
	switch {
	case strings.HasSuffix(v, "G"), strings.HasSuffix(v, "g"):
		shift = 30
	case strings.HasSuffix(v, "M"), strings.HasSuffix(v, "m"):
		shift = 20
	case strings.HasSuffix(v, "K"), strings.HasSuffix(v, "k"):
		shift = 10
	}
	if shift != 0 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return err
	}
	if n<<shift>>shift != n {
		return errors.New("size overflows")
	}
	*s = byteSize(n << shift)
	return nil
}

// heapLayout is the resolved size of one heap.
type heapLayout struct {
	typ              BlobType
	reserved, commit uintptr
}

// alignment returns the granularity every heap size must be a multiple of.
func (c *Config) alignment() uintptr {
	return max(c.SegmentSize, vmem.PageSize)
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	_, err := c.layout()
	return err
}

// layout fills in derived heap sizes and checks the result. All problems
// are reported together.
func (c *Config) layout() ([]heapLayout, error) {
	var err error
	if c.SegmentSize < minSegmentSize || c.SegmentSize&(c.SegmentSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("CodeCacheSegmentSize %d must be a power of two of at least %d", c.SegmentSize, minSegmentSize))
		// Nothing below can be checked against a bad granularity.
		return nil, err
	}
	align := c.alignment()
	if c.ReservedSize == 0 || c.ReservedSize%align != 0 {
		err = multierr.Append(err, fmt.Errorf("ReservedCodeCacheSize %d must be a positive multiple of %d", c.ReservedSize, align))
	}
	if c.InitialSize > c.ReservedSize {
		err = multierr.Append(err, fmt.Errorf("InitialCodeCacheSize %d exceeds ReservedCodeCacheSize %d", c.InitialSize, c.ReservedSize))
	}
	if c.ExpansionSize == 0 {
		err = multierr.Append(err, errors.New("CodeCacheExpansionSize must be positive"))
	}

	var heaps []heapLayout
	if !c.Segmented {
		heaps = []heapLayout{{typ: All, reserved: c.ReservedSize}}
	} else {
		nonNMethod, profiled, nonProfiled := c.NonNMethodSize, c.ProfiledSize, c.NonProfiledSize
		if nonNMethod == 0 {
			nonNMethod = vmem.AlignDown(min(defaultNonNMethodSize, c.ReservedSize/4), align)
		}
		used := nonNMethod + profiled + nonProfiled
		if used <= c.ReservedSize {
			rest := c.ReservedSize - used
			switch {
			case profiled == 0 && nonProfiled == 0:
				profiled = vmem.AlignDown(rest/2, align)
				nonProfiled = rest - profiled
			case profiled == 0:
				profiled = rest
			case nonProfiled == 0:
				nonProfiled = rest
			}
		}
		heaps = []heapLayout{
			{typ: NonNMethod, reserved: nonNMethod},
			{typ: MethodProfiled, reserved: profiled},
			{typ: MethodNonProfiled, reserved: nonProfiled},
		}
		if sum := nonNMethod + profiled + nonProfiled; sum != c.ReservedSize {
			err = multierr.Append(err, fmt.Errorf("code heap sizes %d+%d+%d do not add up to ReservedCodeCacheSize %d",
				nonNMethod, profiled, nonProfiled, c.ReservedSize))
		}
	}
	for i := range heaps {
		h := &heaps[i]
		if h.reserved < align || h.reserved%align != 0 {
			err = multierr.Append(err, fmt.Errorf("%s heap size %d must be a positive multiple of %d", h.typ, h.reserved, align))
			continue
		}
		if c.ReservedSize != 0 {
			share := uintptr(uint64(c.InitialSize) * uint64(h.reserved) / uint64(c.ReservedSize))
			h.commit = min(vmem.AlignUp(share, vmem.PageSize), h.reserved)
		}
	}
	err = multierr.Append(err, c.checkFallbacks())
	if err != nil {
		return nil, err
	}
	return heaps, nil
}

func (c *Config) checkFallbacks() error {
	if !c.Segmented {
		return nil
	}
	var err error
	for _, typ := range []BlobType{NonNMethod, MethodProfiled, MethodNonProfiled} {
		list, ok := c.Fallbacks[typ]
		if !ok {
			continue
		}
		if len(list) == 0 {
			err = multierr.Append(err, fmt.Errorf("empty fallback list for %s", typ))
		}
		for _, f := range list {
			if f < 0 || f >= All {
				err = multierr.Append(err, fmt.Errorf("fallback list for %s names %s, which has no heap", typ, f))
			}
		}
	}
	return err
}

// candidates returns the heaps to try, in order, for a blob of type typ.
func (c *Config) candidates(typ BlobType) []BlobType {
	if !c.Segmented {
		return []BlobType{All}
	}
	if list, ok := c.Fallbacks[typ]; ok {
		return list
	}
	return []BlobType{typ}
}
