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

// Package ptracemem implements the guest-pointer memory view over a
// traced child: every read or write is a ptrace word-peek or word-poke
// against the child's pid, since host and guest do not share an address
// space.
package ptracemem

import (
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// maxStrlen bounds Strlen's scan so a guest that never NUL-terminates a
// string can't spin the tracer forever.
const maxStrlen = 1 << 20

// sysNumbers is a guest's mmap/mprotect/munmap syscall numbers. i386 and
// ARM both use the mmap2 (page-granularity offset) calling convention
// rather than the legacy struct-pointer mmap.
type sysNumbers struct {
	Mmap, Mprotect, Munmap int64
	Mmap2PageOffset        bool
}

var archSysNumbers = map[cpustate.Arch]sysNumbers{
	cpustate.X86_64: {Mmap: 9, Mprotect: 10, Munmap: 11},
	cpustate.I386:   {Mmap: 192, Mprotect: 125, Munmap: 91, Mmap2PageOffset: true},
	cpustate.ARM:    {Mmap: 192, Mprotect: 125, Munmap: 91, Mmap2PageOffset: true},
}

// Dispatcher is the subset of cpustate.State the bridge needs to
// synthesize mmap/mprotect/munmap calls in the child.
type Dispatcher interface {
	Arch() cpustate.Arch
	DispatchSyscall(cpustate.SyscallParams) (uint64, error)
}

// Snapshot is the subset of a bridge's bookkeeping Import copies from an
// existing in-process memory view, handing a freshly captured child the
// layout an earlier acquisition already worked out.
type Snapshot struct {
	Base       gptr.Ptr
	TopBrk     gptr.Ptr
	BaseBrk    gptr.Ptr
	ReserveBrk gptr.Ptr
	Mappings   []gptr.Mapping
}

// Bridge is the trace-primitive MemoryView.
type Bridge struct {
	pid    int
	disp   Dispatcher
	base   gptr.Ptr
	topBrk gptr.Ptr
	baseBrk gptr.Ptr
	reserveBrk gptr.Ptr
	mappings []gptr.Mapping
}

// New returns a Bridge over pid. disp dispatches the mmap/mprotect/munmap
// syscalls this bridge synthesizes; it is normally the thread's active
// cpustate.State.
func New(pid int, disp Dispatcher) *Bridge {
	return &Bridge{pid: pid, disp: disp}
}

// Import copies base, the brk bookkeeping, and every mapping (preserving
// names) from snap, deep-copying the mapping slice so mutations here
// never alias the source.
func (b *Bridge) Import(snap Snapshot) {
	b.base = snap.Base
	b.topBrk = snap.TopBrk
	b.baseBrk = snap.BaseBrk
	b.reserveBrk = snap.ReserveBrk
	if snap.Mappings != nil {
		b.mappings = deepcopy.Copy(snap.Mappings).([]gptr.Mapping)
	}
}

func (b *Bridge) peek(addr gptr.Ptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := unix.PtracePeekData(b.pid, uintptr(addr), buf)
	if err != nil {
		return nil, errors.Wrapf(guesterr.TraceFailed, "ptrace PEEKDATA pid=%d addr=%s: %v", b.pid, addr, err)
	}
	if got != n {
		return nil, errors.Wrapf(guesterr.TraceFailed, "ptrace PEEKDATA pid=%d addr=%s: short read %d/%d", b.pid, addr, got, n)
	}
	return buf, nil
}

func (b *Bridge) poke(addr gptr.Ptr, data []byte) error {
	put, err := unix.PtracePokeData(b.pid, uintptr(addr), data)
	if err != nil {
		return errors.Wrapf(guesterr.TraceFailed, "ptrace POKEDATA pid=%d addr=%s: %v", b.pid, addr, err)
	}
	if put != len(data) {
		return errors.Wrapf(guesterr.TraceFailed, "ptrace POKEDATA pid=%d addr=%s: short write %d/%d", b.pid, addr, put, len(data))
	}
	return nil
}

func checkAligned(p gptr.Ptr, width uintptr) error {
	if uintptr(p)%width != 0 {
		return errors.Wrapf(guesterr.TraceFailed, "ptracemem: misaligned %d-byte access at %s", width, p)
	}
	return nil
}

// Read8 reads the containing machine word and extracts the byte, per
// the memory-view contract; no alignment is required for a single byte.
func (b *Bridge) Read8(p gptr.Ptr) (uint8, error) {
	buf, err := b.peek(p, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *Bridge) Read16(p gptr.Ptr) (uint16, error) {
	if err := checkAligned(p, 2); err != nil {
		return 0, err
	}
	buf, err := b.peek(p, 2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (b *Bridge) Read32(p gptr.Ptr) (uint32, error) {
	if err := checkAligned(p, 4); err != nil {
		return 0, err
	}
	buf, err := b.peek(p, 4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (b *Bridge) Read64(p gptr.Ptr) (uint64, error) {
	if err := checkAligned(p, 8); err != nil {
		return 0, err
	}
	buf, err := b.peek(p, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// Write8 writes a single byte; the underlying POKEDATA performs the
// word-level read-modify-write a sub-word poke requires.
func (b *Bridge) Write8(p gptr.Ptr, v uint8) error {
	return b.poke(p, []byte{v})
}

func (b *Bridge) Write16(p gptr.Ptr, v uint16) error {
	if err := checkAligned(p, 2); err != nil {
		return err
	}
	return b.poke(p, []byte{byte(v), byte(v >> 8)})
}

func (b *Bridge) Write32(p gptr.Ptr, v uint32) error {
	if err := checkAligned(p, 4); err != nil {
		return err
	}
	return b.poke(p, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (b *Bridge) Write64(p gptr.Ptr, v uint64) error {
	if err := checkAligned(p, 8); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return b.poke(p, buf)
}

func (b *Bridge) CopyIn(dest gptr.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return b.poke(dest, src)
}

func (b *Bridge) CopyOut(dst []byte, src gptr.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	buf, err := b.peek(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (b *Bridge) Memset(dest gptr.Ptr, fill byte, n int) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = fill
	}
	return b.CopyIn(dest, buf)
}

func (b *Bridge) Strlen(p gptr.Ptr) (int, error) {
	const chunk = 64
	buf := make([]byte, chunk)
	total := 0
	for total < maxStrlen {
		if err := b.CopyOut(buf, p.Add(uintptr(total))); err != nil {
			return 0, err
		}
		for i, c := range buf {
			if c == 0 {
				return total + i, nil
			}
		}
		total += chunk
	}
	return 0, errors.Wrapf(guesterr.TraceFailed, "ptracemem: string at %s exceeds %d bytes unterminated", p, maxStrlen)
}

// Sbrk is an unconditional stub: the trace memory bridge never attempts
// a child-side brk syscall.
func (b *Bridge) Sbrk(newTop gptr.Ptr) (gptr.Ptr, error) {
	return 0, guesterr.Unsupported
}

// Mremap is an unconditional stub alongside Sbrk.
func (b *Bridge) Mremap(oldAddr gptr.Ptr, oldLength, newLength uintptr, flags int, newAddr gptr.Ptr) (gptr.Ptr, error) {
	return 0, guesterr.Unsupported
}

func (b *Bridge) Mmap(addr gptr.Ptr, length uintptr, prot, flags, fd int, offset int64) (gptr.Ptr, error) {
	nums, ok := archSysNumbers[b.disp.Arch()]
	if !ok {
		return 0, errors.Wrapf(guesterr.UnsupportedArch, "ptracemem: mmap on %s", b.disp.Arch())
	}
	off := uint64(offset)
	if nums.Mmap2PageOffset {
		off = uint64(offset) >> 12
	}
	params := cpustate.SyscallParams{Nr: nums.Mmap, Args: [7]uint64{
		uint64(addr), uint64(length), uint64(prot), uint64(flags), uint64(fd), off,
	}}
	result, err := b.disp.DispatchSyscall(params)
	if err != nil {
		return 0, err
	}
	res := gptr.Ptr(result)
	backing := gptr.BackingAnon
	if fd >= 0 {
		backing = gptr.BackingFile
	}
	b.mappings = append(b.mappings, gptr.Mapping{
		Base: res, Length: length, Prot: gptr.ProtBits(prot), Backing: backing, Offset: uint64(offset),
	})
	return res, nil
}

func (b *Bridge) Mprotect(addr gptr.Ptr, length uintptr, prot int) error {
	nums, ok := archSysNumbers[b.disp.Arch()]
	if !ok {
		return errors.Wrapf(guesterr.UnsupportedArch, "ptracemem: mprotect on %s", b.disp.Arch())
	}
	params := cpustate.SyscallParams{Nr: nums.Mprotect, Args: [7]uint64{uint64(addr), uint64(length), uint64(prot)}}
	if _, err := b.disp.DispatchSyscall(params); err != nil {
		return err
	}
	for i := range b.mappings {
		if b.mappings[i].Base == addr {
			b.mappings[i].Prot = gptr.ProtBits(prot)
		}
	}
	return nil
}

func (b *Bridge) Munmap(addr gptr.Ptr, length uintptr) error {
	nums, ok := archSysNumbers[b.disp.Arch()]
	if !ok {
		return errors.Wrapf(guesterr.UnsupportedArch, "ptracemem: munmap on %s", b.disp.Arch())
	}
	params := cpustate.SyscallParams{Nr: nums.Munmap, Args: [7]uint64{uint64(addr), uint64(length)}}
	if _, err := b.disp.DispatchSyscall(params); err != nil {
		return err
	}
	kept := b.mappings[:0]
	for _, m := range b.mappings {
		if m.Base != addr {
			kept = append(kept, m)
		}
	}
	b.mappings = kept
	return nil
}

func (b *Bridge) Mappings() []gptr.Mapping { return b.mappings }
func (b *Bridge) Base() gptr.Ptr           { return b.base }
func (b *Bridge) IsFlat() bool             { return false }

var _ gptr.MemoryView = (*Bridge)(nil)
