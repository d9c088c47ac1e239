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

// i386Regs mirrors Linux's struct user_regs_struct for i386: 17 4-byte
// registers, 68 bytes total, in kernel order.
type i386Regs struct {
	Ebx, Ecx, Edx, Esi, Edi, Ebp, Eax uint32
	Xds, Xes, Xfs, Xgs                uint32
	OrigEax, Eip, Xcs, Eflags, Esp, Xss uint32
}

var i386Offsets = map[string]uintptr{
	"ebx": unsafe.Offsetof(i386Regs{}.Ebx), "ecx": unsafe.Offsetof(i386Regs{}.Ecx),
	"edx": unsafe.Offsetof(i386Regs{}.Edx), "esi": unsafe.Offsetof(i386Regs{}.Esi),
	"edi": unsafe.Offsetof(i386Regs{}.Edi), "ebp": unsafe.Offsetof(i386Regs{}.Ebp),
	"eax":      unsafe.Offsetof(i386Regs{}.Eax),
	"ds":       unsafe.Offsetof(i386Regs{}.Xds),
	"es":       unsafe.Offsetof(i386Regs{}.Xes),
	"fs":       unsafe.Offsetof(i386Regs{}.Xfs),
	"gs":       unsafe.Offsetof(i386Regs{}.Xgs),
	"orig_eax": unsafe.Offsetof(i386Regs{}.OrigEax),
	"eip":      unsafe.Offsetof(i386Regs{}.Eip),
	"cs":       unsafe.Offsetof(i386Regs{}.Xcs),
	"eflags":   unsafe.Offsetof(i386Regs{}.Eflags),
	"esp":      unsafe.Offsetof(i386Regs{}.Esp),
	"ss":       unsafe.Offsetof(i386Regs{}.Xss),
}

// i386SyscallArgRegs is the i386 Linux syscall argument register order:
// ebx, ecx, edx, esi, edi, ebp.
var i386SyscallArgRegs = [6]string{"ebx", "ecx", "edx", "esi", "edi", "ebp"}

const (
	sysGetpidI386 = 20
	// int80InstrLen is the length in bytes of `int $0x80` (CD 80).
	int80InstrLen = 2
)

type i386State struct {
	pid    int
	buf    []byte
	bp     *pendingBreakpoint
	loaded bool
}

func newI386State(pid int) *i386State {
	return &i386State{pid: pid, buf: make([]byte, unsafe.Sizeof(i386Regs{}))}
}

func (s *i386State) regs() *i386Regs { return (*i386Regs)(unsafe.Pointer(&s.buf[0])) }

func (s *i386State) Arch() Arch { return I386 }
func (s *i386State) Pid() int   { return s.pid }

func (s *i386State) LoadRegs() error {
	if err := ptraceGetRegSet(s.pid, s.buf); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *i386State) GetPC() gptr.Ptr          { return gptr.Ptr(s.regs().Eip) }
func (s *i386State) SetPC(p gptr.Ptr)         { s.regs().Eip = uint32(p) }
func (s *i386State) GetStackPtr() gptr.Ptr    { return gptr.Ptr(s.regs().Esp) }
func (s *i386State) SetStackPtr(p gptr.Ptr)   { s.regs().Esp = uint32(p) }
func (s *i386State) GetSyscallResult() uint64 { return uint64(s.regs().Eax) }
func (s *i386State) NopSyscallNr() int64      { return sysGetpidI386 }
func (s *i386State) RawBuffer() []byte        { return s.buf }

func (s *i386State) NameToOffset(name string) (uintptr, error) {
	off, ok := i386Offsets[name]
	if !ok {
		return 0, errors.Wrapf(guesterr.UnknownRegister, "i386 register %q", name)
	}
	return off, nil
}

func (s *i386State) SetBreakpoint(mem gptr.MemoryView, addr gptr.Ptr) ([]byte, error) {
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

func (s *i386State) UndoBreakpoint(mem gptr.MemoryView) (gptr.Ptr, error) {
	if s.bp == nil {
		return 0, nil
	}
	bp := s.bp
	s.bp = nil
	if err := mem.Write8(bp.addr, bp.displaced[0]); err != nil {
		return 0, err
	}
	if s.loaded && gptr.Ptr(s.regs().Eip) == bp.addr.Add(1) {
		s.regs().Eip = uint32(bp.addr)
	}
	return bp.addr, nil
}

func (s *i386State) IsSyscallOp(addr gptr.Ptr, word uint64) bool {
	return word&0xffff == 0x80cd // int $0x80: CD 80
}

func (s *i386State) DispatchSyscall(params SyscallParams) (uint64, error) {
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	startPC := s.regs().Eip
	r := s.regs()
	r.OrigEax = uint32(params.Nr)
	r.Eax = uint32(params.Nr)
	r.Ebx = uint32(params.Arg(0))
	r.Ecx = uint32(params.Arg(1))
	r.Edx = uint32(params.Arg(2))
	r.Esi = uint32(params.Arg(3))
	r.Edi = uint32(params.Arg(4))
	r.Ebp = uint32(params.Arg(5))
	if err := ptraceSetRegSet(s.pid, s.buf); err != nil {
		return 0, err
	}
	if err := ptraceSingleStep(s.pid); err != nil {
		return 0, err
	}
	if err := s.LoadRegs(); err != nil {
		return 0, err
	}
	if s.regs().Eip != startPC+int80InstrLen {
		return 0, errors.Wrapf(guesterr.SyscallSiteMismatch,
			"i386: expected pc %#x after syscall, got %#x", startPC+int80InstrLen, s.regs().Eip)
	}
	return uint64(s.regs().Eax), nil
}
