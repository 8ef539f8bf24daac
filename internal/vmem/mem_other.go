// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package vmem

// Without a way to reserve address space the reservation is ordinary Go
// memory. Commit only moves the accessible prefix.

func sysReserve(n uintptr) ([]byte, error) {
	return make([]byte, n), nil
}

func sysCommit(b []byte) error {
	return nil
}

func sysFree(b []byte) error {
	return nil
}
