// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitmap provides a fixed-capacity bit set indexed by small
// integers, with the range and predecessor queries needed to maintain
// per-segment maps of a code heap.
package bitmap

import (
	"fmt"
	"iter"
	"math/bits"
)

// Set is a bit set over [0, Cap()). The zero Set has no capacity.
//
// A Set is a view over its words: copies share storage.
type Set[K ~uint64] struct {
	bits []uint64
}

func NewSet[K ~uint64](nBits K) Set[K] {
	return Set[K]{make([]uint64, (nBits+63)/64)}
}

// Cap returns the number of bits the set can hold, rounded up to a
// multiple of 64.
func (b Set[K]) Cap() K {
	return K(len(b.bits) * 64)
}

func (b Set[K]) Has(i K) bool {
	return i/64 < K(len(b.bits)) && (b.bits[i/64]&(1<<(i%64))) != 0
}

func (b Set[K]) Add(i K) {
	b.bits[i/64] |= 1 << (i % 64)
}

func (b Set[K]) Remove(i K) {
	b.bits[i/64] &^= 1 << (i % 64)
}

// AddRange sets bits [start, end).
func (b Set[K]) AddRange(start, end K) {
	b.updateRange(start, end, true)
}

// RemoveRange clears bits [start, end).
func (b Set[K]) RemoveRange(start, end K) {
	b.updateRange(start, end, false)
}

func (b Set[K]) updateRange(start, end K, set bool) {
	if start > end || end > b.Cap() {
		panic(fmt.Sprintf("bad bit range [%d,%d) in set of %d bits", start, end, b.Cap()))
	}
	for start < end {
		w := start / 64
		lo := start % 64
		hi := K(64)
		if w == (end-1)/64 {
			hi = (end-1)%64 + 1
		}
		mask := ^uint64(0) >> (64 - (hi - lo)) << lo
		if set {
			b.bits[w] |= mask
		} else {
			b.bits[w] &^= mask
		}
		start = w*64 + hi
	}
}

// AllRange reports whether every bit in [start, end) is set.
func (b Set[K]) AllRange(start, end K) bool {
	return b.LenRange(start, end) == end-start
}

// NoneRange reports whether every bit in [start, end) is clear.
func (b Set[K]) NoneRange(start, end K) bool {
	return b.LenRange(start, end) == 0
}

func (b Set[K]) Len() int {
	var sum int
	for _, w := range b.bits {
		sum += bits.OnesCount64(w)
	}
	return sum
}

// LenRange returns the number of set bits in [start, end).
func (b Set[K]) LenRange(start, end K) K {
	var sum K
	for start < end {
		w := start / 64
		lo := start % 64
		hi := K(64)
		if w == (end-1)/64 {
			hi = (end-1)%64 + 1
		}
		if lo == 0 && hi == 64 {
			sum += K(bits.OnesCount64(b.bits[w]))
		} else {
			mask := ^uint64(0) >> (64 - (hi - lo)) << lo
			sum += K(bits.OnesCount64(b.bits[w] & mask))
		}
		start = w*64 + hi
	}
	return sum
}

// Prev returns the largest set index j <= i. It scans a word at a time, so
// the cost is proportional to the distance in words, not bits.
func (b Set[K]) Prev(i K) (K, bool) {
	if len(b.bits) == 0 {
		return 0, false
	}
	if i >= b.Cap() {
		i = b.Cap() - 1
	}
	w := int(i / 64)
	word := b.bits[w] & (^uint64(0) >> (63 - i%64))
	for {
		if word != 0 {
			return K(w*64 + 63 - bits.LeadingZeros64(word)), true
		}
		w--
		if w < 0 {
			return 0, false
		}
		word = b.bits[w]
	}
}

// Next returns the smallest set index j >= i.
func (b Set[K]) Next(i K) (K, bool) {
	if i >= b.Cap() {
		return 0, false
	}
	w := int(i / 64)
	word := b.bits[w] &^ (1<<(i%64) - 1)
	for {
		if word != 0 {
			return K(w*64 + bits.TrailingZeros64(word)), true
		}
		w++
		if w >= len(b.bits) {
			return 0, false
		}
		word = b.bits[w]
	}
}

func (b Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i, val := range b.bits {
			for range bits.OnesCount64(val) {
				bitI := bits.TrailingZeros64(val)
				if !yield(K(i*64 + bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}
