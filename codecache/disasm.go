// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"fmt"
	"io"
	"strings"

	"github.com/openjdk/jdk-sub120/codeheap"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble writes an x86-64 listing of b's code to w. Branch and call
// targets inside the cache are annotated with the name of the blob they
// land in. Listings are cached until the blob is freed.
func (c *Cache) Disassemble(w io.Writer, b *Blob) error {
	if s := b.State(); s == StateAllocated || s == StateFreed {
		return fmt.Errorf("codecache: cannot disassemble %s blob at %s", s, b.addr)
	}
	text, ok := c.listings.Get(b.id)
	if !ok {
		text = c.disassemble(b)
		c.listings.Add(b.id, text)
	}
	_, err := io.WriteString(w, text)
	return err
}

func (c *Cache) disassemble(b *Blob) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", b)
	code := b.Code()
	pc := uint64(b.addr)
	for len(code) > 0 {
		text, size := disasmX86(code, pc, c.lookup)
		fmt.Fprintf(&sb, "  %#x\t% x\t%s\n", pc, code[:size], text)
		code = code[size:]
		pc += uint64(size)
	}
	return sb.String()
}

func disasmX86(code []byte, pc uint64, lookup x86asm.SymLookup) (string, int) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Len == 0 || inst.Op == 0 {
		return "?", 1
	}
	return x86asm.GoSyntax(inst, pc, lookup), inst.Len
}

// lookup resolves addr to the blob containing it for the disassembler.
func (c *Cache) lookup(addr uint64) (string, uint64) {
	b := c.FindBlobUnsafe(codeheap.Address(addr))
	if b == nil {
		return "", 0
	}
	name := b.name
	if name == "" {
		name = b.kind.String()
	}
	return name, uint64(b.addr)
}
