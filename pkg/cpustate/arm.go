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

package cpustate

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// armRegs mirrors Linux's struct pt_regs for the ARM EABI: r0-r15 plus
// cpsr and orig_r0, 18 4-byte words, 72 bytes total.
type armRegs struct {
	R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10 uint32
	Fp                                          uint32 // r11
	Ip                                          uint32 // r12
	Sp                                          uint32 // r13
	Lr                                          uint32 // r14
	Pc                                          uint32 // r15
	Cpsr                                        uint32
	OrigR0                                      uint32
}

var armOffsets = map[string]uintptr{
	"r0": unsafe.Offsetof(armRegs{}.R0), "r1": unsafe.Offsetof(armRegs{}.R1),
	"r2": unsafe.Offsetof(armRegs{}.R2), "r3": unsafe.Offsetof(armRegs{}.R3),
	"r4": unsafe.Offsetof(armRegs{}.R4), "r5": unsafe.Offsetof(armRegs{}.R5),
	"r6": unsafe.Offsetof(armRegs{}.R6), "r7": unsafe.Offsetof(armRegs{}.R7),
	"r8": unsafe.Offsetof(armRegs{}.R8), "r9": unsafe.Offsetof(armRegs{}.R9),
	"r10":     unsafe.Offsetof(armRegs{}.R10),
	"fp":      unsafe.Offsetof(armRegs{}.Fp),
	"ip":      unsafe.Offsetof(armRegs{}.Ip),
	"sp":      unsafe.Offsetof(armRegs{}.Sp),
	"lr":      unsafe.Offsetof(armRegs{}.Lr),
	"pc":      unsafe.Offsetof(armRegs{}.Pc),
	"cpsr":    unsafe.Offsetof(armRegs{}.Cpsr),
	"orig_r0": unsafe.Offsetof(armRegs{}.OrigR0),
}

// armSyscallArgRegs is the ARM EABI syscall argument register order:
// r0-r5, with the syscall number staged in r7.
var armSyscallArgRegs = [6]string{"r0", "r1", "r2", "r3", "r4", "r5"}

const (
	sysGetpidARM = 20
	// armTrapInstrLen is the length of the undefined-instruction word used
	// as a breakpoint, and of the swi/svc syscall trap: 4 bytes, both ARM
	// and Thumb-mode callers are expected to run in ARM state only (this
	// core does not model Thumb).
	armTrapInstrLen  = 4
	armUndefinedWord = 0xe7f001f0 // UDF-equivalent permanently undefined encoding
)

type armState struct {
	pid    int
	buf    []byte
	bp     *pendingBreakpoint
	loaded bool
}

func newARMState(pid int) *armState {
	return &armState{pid: pid, buf: make([]byte, unsafe.Sizeof(armRegs{}))}
}

func (s *armState) regs() *armRegs { return (*armRegs)(unsafe.Pointer(&s.buf[0])) }

func (s *armState) Arch() Arch { return ARM }
func (s *armState) Pid() int   { return s.pid }

func (s *armState) LoadRegs() error {
	if err := ptraceGetRegSet(s.pid, s.buf); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *armState) GetPC() gptr.Ptr          { return gptr.Ptr(s.regs().Pc) }
func (s *armState) SetPC(p gptr.Ptr)         { s.regs().Pc = uint32(p) }
func (s *armState) GetStackPtr() gptr.Ptr    { return gptr.Ptr(s.regs().Sp) }
func (s *armState) SetStackPtr(p gptr.Ptr)   { s.regs().Sp = uint32(p) }
func (s *armState) GetSyscallResult() uint64 { return uint64(s.regs().R0) }
func (s *armState) NopSyscallNr() int64      { return sysGetpidARM }
func (s *armState) RawBuffer() []byte        { return s.buf }

func (s *armState) NameToOffset(name string) (uintptr, error) {
	off, ok := armOffsets[name]
	if !ok {
		return 0, errors.Wrapf(guesterr.UnknownRegister, "arm register %q", name)
	}
	return off, nil
}

// SetBreakpoint writes a full 4-byte permanently-undefined instruction
// word: unlike x86's single trap byte, ARM has no narrower encoding that
// reliably traps across both ARM and Thumb instruction streams, so the
// whole word is displaced and restored.
func (s *armState) SetBreakpoint(mem gptr.MemoryView, addr gptr.Ptr) ([]byte, error) {
	orig, err := mem.Read32(addr)
	if err != nil {
		return nil, err
	}
	if err := mem.Write32(addr, armUndefinedWord); err != nil {
		return nil, err
	}
	displaced := make([]byte, 4)
	binary.LittleEndian.PutUint32(displaced, orig)
	s.bp = &pendingBreakpoint{addr: addr, displaced: displaced, trapLen: armTrapInstrLen}
	return displaced, nil
}

// UndoBreakpoint restores the displaced word and leaves PC untouched: the
// faulting word is fully restored in place, so there is nothing to rewind,
// unlike x86 where the trapping int3 leaves PC one byte past the fault.
func (s *armState) UndoBreakpoint(mem gptr.MemoryView) (gptr.Ptr, error) {
	if s.bp == nil {
		return 0, nil
	}
	bp := s.bp
	s.bp = nil
	orig := binary.LittleEndian.Uint32(bp.displaced)
	if err := mem.Write32(bp.addr, orig); err != nil {
		return 0, err
	}
	return bp.addr, nil
}

func (s *armState) IsSyscallOp(addr gptr.Ptr, word uint64) bool {
	// EABI svc #0 encodes as 0x0F000000 | cond bits; accept any svc with
	// a zero immediate, the only form this core's syscall sites emit.
	return uint32(word)&0x0f000000 == 0x0f000000 && uint32(word)&0x00ffffff == 0
}

func (s *armState) DispatchSyscall(params SyscallParams) (uint64, error) {
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	startPC := s.regs().Pc
	r := s.regs()
	r.R7 = uint32(params.Nr)
	r.OrigR0 = uint32(params.Arg(0))
	r.R0 = uint32(params.Arg(0))
	r.R1 = uint32(params.Arg(1))
	r.R2 = uint32(params.Arg(2))
	r.R3 = uint32(params.Arg(3))
	r.R4 = uint32(params.Arg(4))
	r.R5 = uint32(params.Arg(5))
	if err := ptraceSetRegSet(s.pid, s.buf); err != nil {
		return 0, err
	}
	if err := ptraceSingleStep(s.pid); err != nil {
		return 0, err
	}
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	if s.regs().Pc != startPC+armTrapInstrLen {
		return 0, errors.Wrapf(guesterr.SyscallSiteMismatch,
			"arm: expected pc %#x after syscall, got %#x", startPC+armTrapInstrLen, s.regs().Pc)
	}
	return uint64(s.regs().R0), nil
}
