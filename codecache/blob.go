// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"fmt"
	"sync/atomic"

	"github.com/openjdk/jdk-sub120/codeheap"
)

// Kind is what a blob contains.
type Kind uint8

const (
	KindNMethod Kind = iota
	KindBuffer
	KindAdapter
	KindRuntimeStub
	KindExceptionStub
	KindVtable
)

var kindNames = [...]string{
	KindNMethod:       "nmethod",
	KindBuffer:        "buffer",
	KindAdapter:       "adapter",
	KindRuntimeStub:   "runtime stub",
	KindExceptionStub: "exception stub",
	KindVtable:        "vtable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// State is the life cycle state of a blob.
type State uint32

const (
	// StateAllocated blobs have memory but have not been committed.
	StateAllocated State = iota
	// StateInUse blobs are committed and may be entered.
	StateInUse
	// StateNotEntrant blobs were deoptimized. Existing activations may
	// still run but no new calls enter them.
	StateNotEntrant
	// StateZombie blobs were found dead by the collector and wait to be
	// flushed.
	StateZombie
	// StateFreed blobs have given their memory back.
	StateFreed
)

var stateNames = [...]string{
	StateAllocated:  "allocated",
	StateInUse:      "in use",
	StateNotEntrant: "not entrant",
	StateZombie:     "zombie",
	StateFreed:      "freed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Info is what the compiler knows about a blob once code has been emitted
// into it.
type Info struct {
	Name string
	Kind Kind
	// CodeSize is the number of bytes actually used. The rest of the
	// block is given back. Zero keeps the whole block.
	CodeSize uintptr
	// Oops are the heap references embedded in the code.
	Oops []uintptr
	// Dependencies is set if the code was compiled under assumptions that
	// class loading may invalidate.
	Dependencies bool
}

// Blob is a block of generated code in a Cache.
//
// Once committed, a blob's identity fields do not change. Its state and GC
// epoch are updated atomically; its embedded references are only changed
// by the collector while the world is stopped.
type Blob struct {
	id   uint32
	typ  BlobType
	heap *codeheap.Heap
	addr codeheap.Address
	code []byte // the whole block

	name         string
	kind         Kind
	codeSize     uintptr
	oops         []uintptr
	dependencies bool

	state   atomic.Uint32
	gcEpoch atomic.Uint64
}

// Address implements coderoots.Blob.
func (b *Blob) Address() uintptr { return uintptr(b.addr) }

// OopsDo implements coderoots.Blob.
func (b *Blob) OopsDo(f func(oop uintptr)) {
	for _, oop := range b.oops {
		f(oop)
	}
}

// FixOops replaces every embedded reference oop with f(oop). The collector
// uses it to update code after moving objects.
func (b *Blob) FixOops(f func(oop uintptr) uintptr) {
	for i, oop := range b.oops {
		b.oops[i] = f(oop)
	}
}

func (b *Blob) ID() uint32 { return b.id }
func (b *Blob) Addr() codeheap.Address { return b.addr }
func (b *Blob) Type() BlobType { return b.typ }
func (b *Blob) Name() string { return b.name }
func (b *Blob) Kind() Kind { return b.kind }
func (b *Blob) IsNMethod() bool { return b.kind == KindNMethod }
func (b *Blob) HasDependencies() bool { return b.dependencies }
func (b *Blob) State() State { return State(b.state.Load()) }
func (b *Blob) GCEpoch() uint64 { return b.gcEpoch.Load() }

// Contains reports whether p lies inside the blob's block.
func (b *Blob) Contains(p codeheap.Address) bool {
	return b.addr <= p && p < b.addr+codeheap.Address(len(b.code))
}

// Size returns the size of the blob's block.
func (b *Blob) Size() uintptr { return uintptr(len(b.code)) }

// CodeSize returns the number of bytes of code in the block.
func (b *Blob) CodeSize() uintptr { return b.codeSize }

// Code returns the blob's memory. Before Commit this is the whole block,
// for the compiler to emit into; after it, the code bytes.
func (b *Blob) Code() []byte {
	if b.State() == StateAllocated {
		return b.code
	}
	return b.code[:b.codeSize]
}

// alive reports whether the blob may be returned by lookups.
func (b *Blob) alive() bool {
	s := b.State()
	return s == StateInUse || s == StateNotEntrant
}

func (b *Blob) String() string {
	return fmt.Sprintf("%s %q (%s) at %s size=%d", b.kind, b.name, b.State(), b.addr, len(b.code))
}
