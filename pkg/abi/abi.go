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

// Package abi adapts a CPU state's raw register buffer to the syscall
// calling convention of a particular guest architecture. It reads and
// writes directly against the buffer by offset and never interprets
// struct-bearing syscall arguments — that belongs to the syscall
// mediator.
package abi

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// ArchDescriptor names the registers one guest architecture's syscall
// convention uses.
type ArchDescriptor struct {
	// SyscallRegs holds up to seven register names carrying syscall
	// arguments, in order. Unused trailing slots are "".
	SyscallRegs [7]string
	ResultReg   string
	// ExitReg names the register carrying a process's exit code, read
	// when the mediator intercepts exit/exit_group.
	ExitReg string
	// Mask32 selects 32-bit register width and masking.
	Mask32 bool
	// UseSysenter selects the sysenter entry convention over int 0x80
	// on i386; meaningless elsewhere.
	UseSysenter bool
}

// Adapter reads and writes syscall-convention registers against a
// cpustate.State's raw buffer.
type Adapter struct {
	desc ArchDescriptor
}

// NewAMD64Adapter returns the x86-64 Linux syscall convention.
func NewAMD64Adapter() *Adapter {
	return &Adapter{ArchDescriptor{
		SyscallRegs: [7]string{"rdi", "rsi", "rdx", "r10", "r8", "r9", ""},
		ResultReg:   "rax",
		ExitReg:     "rdi",
		Mask32:      false,
	}}
}

// NewI386Adapter returns the i386 Linux syscall convention. useSysenter
// selects the sysenter entry convention over int 0x80.
func NewI386Adapter(useSysenter bool) *Adapter {
	return &Adapter{ArchDescriptor{
		SyscallRegs: [7]string{"ebx", "ecx", "edx", "esi", "edi", "ebp", ""},
		ResultReg:   "eax",
		ExitReg:     "ebx",
		Mask32:      true,
		UseSysenter: useSysenter,
	}}
}

// NewARMAdapter returns the ARM EABI Linux syscall convention.
func NewARMAdapter() *Adapter {
	return &Adapter{ArchDescriptor{
		SyscallRegs: [7]string{"r0", "r1", "r2", "r3", "r4", "r5", ""},
		ResultReg:   "r0",
		ExitReg:     "r0",
		Mask32:      true,
	}}
}

// Descriptor returns the architecture descriptor this adapter was built
// from.
func (a *Adapter) Descriptor() ArchDescriptor { return a.desc }

func (a *Adapter) width() int {
	if a.desc.Mask32 {
		return 4
	}
	return 8
}

func (a *Adapter) readReg(s cpustate.State, name string) (uint64, error) {
	off, err := s.NameToOffset(name)
	if err != nil {
		return 0, err
	}
	buf := s.RawBuffer()
	w := a.width()
	if int(off)+w > len(buf) {
		return 0, errors.Wrapf(guesterr.UnknownRegister, "abi: offset %d exceeds register buffer", off)
	}
	if w == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[off:])), nil
	}
	return binary.LittleEndian.Uint64(buf[off:]), nil
}

func (a *Adapter) writeReg(s cpustate.State, name string, v uint64) error {
	off, err := s.NameToOffset(name)
	if err != nil {
		return err
	}
	buf := s.RawBuffer()
	w := a.width()
	if int(off)+w > len(buf) {
		return errors.Wrapf(guesterr.UnknownRegister, "abi: offset %d exceeds register buffer", off)
	}
	if w == 4 {
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	} else {
		binary.LittleEndian.PutUint64(buf[off:], v)
	}
	return nil
}

// ReadArg reads the i'th syscall argument (0-indexed) out of s's raw
// buffer.
func (a *Adapter) ReadArg(s cpustate.State, i int) (uint64, error) {
	if i < 0 || i >= len(a.desc.SyscallRegs) || a.desc.SyscallRegs[i] == "" {
		return 0, errors.Wrapf(guesterr.UnknownRegister, "abi: no syscall arg register at index %d", i)
	}
	v, err := a.readReg(s, a.desc.SyscallRegs[i])
	if err != nil {
		return 0, err
	}
	if a.desc.Mask32 {
		v &= 0xffffffff
	}
	return v, nil
}

// WriteArg writes the i'th syscall argument into s's raw buffer.
func (a *Adapter) WriteArg(s cpustate.State, i int, v uint64) error {
	if i < 0 || i >= len(a.desc.SyscallRegs) || a.desc.SyscallRegs[i] == "" {
		return errors.Wrapf(guesterr.UnknownRegister, "abi: no syscall arg register at index %d", i)
	}
	return a.writeReg(s, a.desc.SyscallRegs[i], v)
}

// ReadResult reads the syscall result register.
func (a *Adapter) ReadResult(s cpustate.State) (uint64, error) {
	v, err := a.readReg(s, a.desc.ResultReg)
	if err != nil {
		return 0, err
	}
	if a.desc.Mask32 {
		v &= 0xffffffff
	}
	return v, nil
}

// WriteResult writes the syscall result register.
func (a *Adapter) WriteResult(s cpustate.State, v uint64) error {
	return a.writeReg(s, a.desc.ResultReg, v)
}

// ReadExitCode reads the register carrying an exiting process's status.
func (a *Adapter) ReadExitCode(s cpustate.State) (uint64, error) {
	v, err := a.readReg(s, a.desc.ExitReg)
	if err != nil {
		return 0, err
	}
	if a.desc.Mask32 {
		v &= 0xffffffff
	}
	return v, nil
}
