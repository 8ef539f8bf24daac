// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmem manages a reserved range of virtual address space whose
// prefix is committed (backed by memory) on demand.
//
// The OS-specific parts are sysReserve, sysCommit and sysFree, in the
// manner of the runtime's memory layer: reserving address space
// never touches physical memory, and only committed bytes may be accessed.
package vmem

import (
	"fmt"
	"os"
	"unsafe"
)

// PageSize is the granularity of commit.
var PageSize = uintptr(os.Getpagesize())

// Reservation is a contiguous range of address space. Bytes [0, Committed())
// are readable and writable; the rest fault if touched.
//
// A Reservation is not safe for concurrent mutation.
type Reservation struct {
	mem       []byte
	committed uintptr
}

// Reserve reserves size bytes of address space, rounded up to PageSize.
func Reserve(size uintptr) (*Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmem: zero-sized reservation")
	}
	size = AlignUp(size, PageSize)
	mem, err := sysReserve(size)
	if err != nil {
		return nil, fmt.Errorf("vmem: reserving %d bytes: %w", size, err)
	}
	return &Reservation{mem: mem}, nil
}

// Base returns the lowest address of the reservation.
func (r *Reservation) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Size returns the number of reserved bytes.
func (r *Reservation) Size() uintptr {
	return uintptr(len(r.mem))
}

// Committed returns the number of committed bytes at the start of the
// reservation.
func (r *Reservation) Committed() uintptr {
	return r.committed
}

// Bytes returns the committed prefix of the reservation.
func (r *Reservation) Bytes() []byte {
	return r.mem[:r.committed:r.committed]
}

// Commit grows the committed prefix to at least n bytes, rounded up to
// PageSize. It fails if n exceeds the reservation. The committed prefix
// never shrinks; memory goes back to the OS only on Release.
func (r *Reservation) Commit(n uintptr) error {
	n = AlignUp(n, PageSize)
	if n > r.Size() {
		return fmt.Errorf("vmem: commit of %d bytes exceeds reservation of %d", n, r.Size())
	}
	if n <= r.committed {
		return nil
	}
	if err := sysCommit(r.mem[r.committed:n]); err != nil {
		return fmt.Errorf("vmem: committing [%#x,%#x): %w", r.committed, n, err)
	}
	r.committed = n
	return nil
}

// Release returns the whole reservation to the OS. The Reservation must not
// be used afterwards.
func (r *Reservation) Release() error {
	if r.mem == nil {
		return nil
	}
	err := sysFree(r.mem)
	r.mem, r.committed = nil, 0
	return err
}

// AlignUp rounds n up to a multiple of a, which must be a power of two.
func AlignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown rounds n down to a multiple of a, which must be a power of two.
func AlignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}
