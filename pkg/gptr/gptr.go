// Copyright 2024 The guestctl Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gptr provides the guest-pointer scalar and the memory-view
// interface every read or write against guest memory must flow through.
// A Ptr is never a native Go pointer and is never dereferenced directly;
// it is an address in a traced child's address space, opaque to the host
// except through a MemoryView.
package gptr

import "fmt"

// PageSize is the page granularity assumed for alignment and brk/mmap
// bookkeeping.
const PageSize = 4096

// Ptr is an untyped address in the guest's address space.
type Ptr uintptr

// Add returns p+n as a Ptr.
func (p Ptr) Add(n uintptr) Ptr { return p + Ptr(n) }

// Sub returns p-n as a Ptr.
func (p Ptr) Sub(n uintptr) Ptr { return p - Ptr(n) }

// Diff returns p-q as a signed byte distance.
func (p Ptr) Diff(q Ptr) int64 { return int64(p) - int64(q) }

// IsZero reports whether p is the null guest pointer.
func (p Ptr) IsZero() bool { return p == 0 }

// AlignDown rounds p down to the nearest multiple of align, which must be
// a power of two.
func (p Ptr) AlignDown(align uintptr) Ptr {
	return Ptr(uintptr(p) &^ (align - 1))
}

// AlignUp rounds p up to the nearest multiple of align, which must be a
// power of two.
func (p Ptr) AlignUp(align uintptr) Ptr {
	return Ptr(uintptr(p)+align-1).AlignDown(align)
}

// String implements fmt.Stringer.
func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// BackingKind describes the origin of a Mapping.
type BackingKind int

const (
	// BackingAnon is an anonymous mapping, not backed by any file.
	BackingAnon BackingKind = iota
	// BackingFile is a file-backed mapping at some offset.
	BackingFile
)

// String implements fmt.Stringer.
func (k BackingKind) String() string {
	if k == BackingFile {
		return "file"
	}
	return "anon"
}

// ProtBits mirrors the PROT_READ/WRITE/EXEC bits of mmap(2).
type ProtBits int

const (
	ProtRead ProtBits = 1 << iota
	ProtWrite
	ProtExec
)

// Mapping is one region of the guest's virtual address space with uniform
// protection and origin. Mappings are created at acquisition by parsing
// the OS's process-map view, and thereafter mutated only by the syscall
// mediator's mmap/mremap/mprotect/munmap handling.
type Mapping struct {
	Base    Ptr
	Length  uintptr
	Prot    ProtBits
	Name    string // empty if anonymous or unnamed
	Backing BackingKind
	// Offset is the file offset backing this mapping when Backing is
	// BackingFile; meaningless otherwise.
	Offset uint64
}

// End returns the address immediately past the mapping.
func (m Mapping) End() Ptr { return m.Base.Add(m.Length) }

// Contains reports whether p falls within [Base, Base+Length).
func (m Mapping) Contains(p Ptr) bool {
	return p >= m.Base && p < m.End()
}

// MemoryView is the interface every read or write against guest memory
// must go through; it is implemented both by an in-process flat view
// (when host and guest share an address space) and by the trace-primitive
// bridge (pkg/ptracemem) when they do not.
type MemoryView interface {
	Read8(p Ptr) (uint8, error)
	Read16(p Ptr) (uint16, error)
	Read32(p Ptr) (uint32, error)
	Read64(p Ptr) (uint64, error)

	Write8(p Ptr, v uint8) error
	Write16(p Ptr, v uint16) error
	Write32(p Ptr, v uint32) error
	Write64(p Ptr, v uint64) error

	// CopyIn writes len(src) bytes from src into the guest at dest.
	CopyIn(dest Ptr, src []byte) error
	// CopyOut reads len(dst) bytes from the guest at src into dst.
	CopyOut(dst []byte, src Ptr) error
	// Memset writes n copies of b starting at dest.
	Memset(dest Ptr, b byte, n int) error
	// Strlen returns the length, in bytes, of the NUL-terminated string
	// at p, not including the terminator.
	Strlen(p Ptr) (int, error)

	// Sbrk moves the brk to newTop and returns the resulting brk.
	Sbrk(newTop Ptr) (Ptr, error)
	// Mmap, Mprotect, Munmap, Mremap mirror their mmap(2) family
	// counterparts, operating on the guest's address space.
	Mmap(addr Ptr, length uintptr, prot, flags, fd int, offset int64) (Ptr, error)
	Mprotect(addr Ptr, length uintptr, prot int) error
	Munmap(addr Ptr, length uintptr) error
	Mremap(oldAddr Ptr, oldLength, newLength uintptr, flags int, newAddr Ptr) (Ptr, error)

	// Mappings returns the current mapping list, ordered by Base.
	Mappings() []Mapping
	// Base returns the load bias applied to a flat view, or 0 for a
	// bridge view with no bias.
	Base() Ptr
	// IsFlat reports whether host and guest addresses coincide (modulo
	// Base), i.e. a direct, non-bridged view.
	IsFlat() bool
}
