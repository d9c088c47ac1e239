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
	"unsafe"

	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// amd64Regs mirrors Linux's struct user_regs_struct for x86_64: 27
// 8-byte general-purpose registers, 216 bytes total, in kernel order.
type amd64Regs struct {
	R15, R14, R13, R12, Rbp, Rbx, R11, R10, R9, R8 uint64
	Rax, Rcx, Rdx, Rsi, Rdi                        uint64
	OrigRax, Rip, Cs, Eflags, Rsp, Ss               uint64
	FsBase, GsBase, Ds, Es, Fs, Gs                  uint64
}

var amd64Offsets = map[string]uintptr{
	"r15": unsafe.Offsetof(amd64Regs{}.R15), "r14": unsafe.Offsetof(amd64Regs{}.R14),
	"r13": unsafe.Offsetof(amd64Regs{}.R13), "r12": unsafe.Offsetof(amd64Regs{}.R12),
	"rbp": unsafe.Offsetof(amd64Regs{}.Rbp), "rbx": unsafe.Offsetof(amd64Regs{}.Rbx),
	"r11": unsafe.Offsetof(amd64Regs{}.R11), "r10": unsafe.Offsetof(amd64Regs{}.R10),
	"r9": unsafe.Offsetof(amd64Regs{}.R9), "r8": unsafe.Offsetof(amd64Regs{}.R8),
	"rax": unsafe.Offsetof(amd64Regs{}.Rax), "rcx": unsafe.Offsetof(amd64Regs{}.Rcx),
	"rdx": unsafe.Offsetof(amd64Regs{}.Rdx), "rsi": unsafe.Offsetof(amd64Regs{}.Rsi),
	"rdi":      unsafe.Offsetof(amd64Regs{}.Rdi),
	"orig_rax": unsafe.Offsetof(amd64Regs{}.OrigRax),
	"rip":      unsafe.Offsetof(amd64Regs{}.Rip),
	"cs":       unsafe.Offsetof(amd64Regs{}.Cs),
	"eflags":   unsafe.Offsetof(amd64Regs{}.Eflags),
	"rsp":      unsafe.Offsetof(amd64Regs{}.Rsp),
	"ss":       unsafe.Offsetof(amd64Regs{}.Ss),
	"fs_base":  unsafe.Offsetof(amd64Regs{}.FsBase),
	"gs_base":  unsafe.Offsetof(amd64Regs{}.GsBase),
	"ds":       unsafe.Offsetof(amd64Regs{}.Ds),
	"es":       unsafe.Offsetof(amd64Regs{}.Es),
	"fs":       unsafe.Offsetof(amd64Regs{}.Fs),
	"gs":       unsafe.Offsetof(amd64Regs{}.Gs),
}

// amd64SyscallArgRegs is the x86-64 Linux syscall argument register
// order: rdi, rsi, rdx, r10, r8, r9.
var amd64SyscallArgRegs = [6]string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}

const (
	sysGetpidAMD64 = 39
	// syscallInstrLenAMD64 is the length in bytes of the x86-64 `syscall`
	// instruction (0F 05).
	syscallInstrLenAMD64 = 2
	int3Opcode           = 0xCC
)

type amd64State struct {
	pid      int
	buf      []byte
	bp       *pendingBreakpoint
	loaded   bool
}

func newAMD64State(pid int) *amd64State {
	return &amd64State{pid: pid, buf: make([]byte, unsafe.Sizeof(amd64Regs{}))}
}

func (s *amd64State) regs() *amd64Regs { return (*amd64Regs)(unsafe.Pointer(&s.buf[0])) }

func (s *amd64State) Arch() Arch { return X86_64 }
func (s *amd64State) Pid() int   { return s.pid }

func (s *amd64State) LoadRegs() error {
	if err := ptraceGetRegSet(s.pid, s.buf); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *amd64State) GetPC() gptr.Ptr           { return gptr.Ptr(s.regs().Rip) }
func (s *amd64State) SetPC(p gptr.Ptr)          { s.regs().Rip = uint64(p) }
func (s *amd64State) GetStackPtr() gptr.Ptr     { return gptr.Ptr(s.regs().Rsp) }
func (s *amd64State) SetStackPtr(p gptr.Ptr)    { s.regs().Rsp = uint64(p) }
func (s *amd64State) GetSyscallResult() uint64  { return s.regs().Rax }
func (s *amd64State) NopSyscallNr() int64       { return sysGetpidAMD64 }
func (s *amd64State) RawBuffer() []byte         { return s.buf }

func (s *amd64State) NameToOffset(name string) (uintptr, error) {
	off, ok := amd64Offsets[name]
	if !ok {
		return 0, errors.Wrapf(guesterr.UnknownRegister, "amd64 register %q", name)
	}
	return off, nil
}

func (s *amd64State) SetBreakpoint(mem gptr.MemoryView, addr gptr.Ptr) ([]byte, error) {
	orig, err := mem.Read8(addr)
	if err != nil {
		return nil, err
	}
	if err := mem.Write8(addr, int3Opcode); err != nil {
		return nil, err
	}
	s.bp = &pendingBreakpoint{addr: addr, displaced: []byte{orig}, trapLen: 1}
	return []byte{orig}, nil
}

func (s *amd64State) UndoBreakpoint(mem gptr.MemoryView) (gptr.Ptr, error) {
	if s.bp == nil {
		return 0, nil
	}
	bp := s.bp
	s.bp = nil
	if err := mem.Write8(bp.addr, bp.displaced[0]); err != nil {
		return 0, err
	}
	if s.loaded && gptr.Ptr(s.regs().Rip) == bp.addr.Add(1) {
		s.regs().Rip = uint64(bp.addr)
	}
	return bp.addr, nil
}

func (s *amd64State) IsSyscallOp(addr gptr.Ptr, word uint64) bool {
	low := word & 0xffff
	return low == 0x050f /* syscall: 0F 05 */ || low == 0x80cd /* int 0x80 */
}

func (s *amd64State) DispatchSyscall(params SyscallParams) (uint64, error) {
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	startPC := s.regs().Rip
	r := s.regs()
	r.OrigRax = uint64(params.Nr)
	r.Rax = uint64(params.Nr)
	r.Rdi = params.Arg(0)
	r.Rsi = params.Arg(1)
	r.Rdx = params.Arg(2)
	r.R10 = params.Arg(3)
	r.R8 = params.Arg(4)
	r.R9 = params.Arg(5)
	if err := ptraceSetRegSet(s.pid, s.buf); err != nil {
		return 0, err
	}
	if err := ptraceSingleStep(s.pid); err != nil {
		return 0, err
	}
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	if s.regs().Rip != startPC+syscallInstrLenAMD64 {
		return 0, errors.Wrapf(guesterr.SyscallSiteMismatch,
			"amd64: expected pc %#x after syscall, got %#x", startPC+syscallInstrLenAMD64, s.regs().Rip)
	}
	return s.regs().Rax, nil
}
