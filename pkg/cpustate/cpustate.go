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

// Package cpustate holds the arch-polymorphic CPU state: a per-thread
// snapshot of the general-purpose registers, modeled as a tagged variant
// behind one shared capability set rather than the inheritance-plus-RTTI-
// cross-cast the source uses (see DESIGN.md). Floating-point registers are
// not captured for any architecture.
package cpustate

import (
	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// Arch tags the guest architecture a CPU state was built for.
type Arch int

const (
	I386 Arch = iota
	X86_64
	ARM
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case I386:
		return "i386"
	case X86_64:
		return "x86_64"
	case ARM:
		return "arm"
	default:
		return "unknown"
	}
}

// SyscallParams is the fixed tuple (nr, a0..a6) of 64-bit values the
// syscall mediator and ABI adapter exchange with the CPU state. For
// 32-bit guests each argument is masked to 32 bits on read.
type SyscallParams struct {
	Nr   int64
	Args [7]uint64
}

// Arg returns the i'th syscall argument.
func (p SyscallParams) Arg(i int) uint64 { return p.Args[i] }

// pendingBreakpoint is the short-lived breakpoint-undo register: when a
// breakpoint traps, the CPU state remembers the overwritten bytes and the
// faulting address so the next step can restore them. Modeled as an
// optional field rather than per-arch scalars.
type pendingBreakpoint struct {
	addr        gptr.Ptr
	displaced   []byte
	trapLen     int // size in bytes of the trap instruction; UndoBreakpoint does not read it
}

// State is the capability set every arch-specific CPU state implements.
// All operations require the traced thread to be Stopped; LoadRegs fails
// with guesterr.TraceFailed otherwise.
type State interface {
	Arch() Arch
	Pid() int

	// LoadRegs pulls registers via the trace primitive into the local
	// buffer.
	LoadRegs() error

	GetPC() gptr.Ptr
	SetPC(gptr.Ptr)
	GetStackPtr() gptr.Ptr
	SetStackPtr(gptr.Ptr)

	// GetSyscallResult reads the architecturally designated result
	// register out of the raw buffer.
	GetSyscallResult() uint64

	// SetBreakpoint writes the trap opcode for this arch at addr and
	// returns the bytes displaced.
	SetBreakpoint(mem gptr.MemoryView, addr gptr.Ptr) ([]byte, error)
	// UndoBreakpoint restores displaced bytes at the faulting address and,
	// on x86, rewinds PC by the one-byte trap when PC sits just past it;
	// ARM leaves PC unchanged. Idempotent: returns the zero Ptr if no
	// breakpoint is pending.
	UndoBreakpoint(mem gptr.MemoryView) (gptr.Ptr, error)

	// IsSyscallOp reports whether word, fetched at addr, begins with this
	// arch's syscall encoding.
	IsSyscallOp(addr gptr.Ptr, word uint64) bool

	// DispatchSyscall stages params into the syscall-argument registers,
	// single-steps the child across the syscall instruction at the
	// current PC, and reads the result register back.
	DispatchSyscall(params SyscallParams) (uint64, error)

	// NameToOffset resolves a register's symbolic name to its byte
	// offset inside the raw register buffer.
	NameToOffset(name string) (uintptr, error)

	// RawBuffer exposes the raw register bytes for the ABI adapter,
	// which reads/writes directly against it by offset.
	RawBuffer() []byte

	// NopSyscallNr returns a harmless syscall number (getpid on every
	// arch this core supports) used to neutralize an ignored syscall by
	// rewriting its number before a step.
	NopSyscallNr() int64
}

// New constructs the CPU state for the given arch and traced pid. The
// thread is assumed already attached and stopped; callers should call
// LoadRegs immediately after construction.
func New(a Arch, pid int) (State, error) {
	switch a {
	case X86_64:
		return newAMD64State(pid), nil
	case I386:
		return newI386State(pid), nil
	case ARM:
		return newARMState(pid), nil
	default:
		return nil, errors.Wrapf(guesterr.UnsupportedArch, "cpustate: arch tag %d", a)
	}
}
