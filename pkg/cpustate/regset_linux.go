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

//go:build linux
// +build linux

package cpustate

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vxguest/guestctl/pkg/guesterr"
)

// nrPrstatus is NT_PRSTATUS, the regset Linux uses for PTRACE_GETREGSET
// general-purpose register notes. Using PTRACE_GETREGSET/SETREGSET with a
// raw byte buffer, rather than the host-GOARCH-locked syscall.PtraceRegs,
// is what lets one process host CPU-state variants for guest
// architectures that don't match the tracer's own.
const nrPrstatus = 1

func ptraceGetRegSet(pid int, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE, uintptr(unix.PTRACE_GETREGSET), uintptr(pid),
		uintptr(nrPrstatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errors.Wrapf(guesterr.TraceFailed, "ptrace GETREGSET pid=%d: %v", pid, errno)
	}
	return nil
}

func ptraceSetRegSet(pid int, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE, uintptr(unix.PTRACE_SETREGSET), uintptr(pid),
		uintptr(nrPrstatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errors.Wrapf(guesterr.TraceFailed, "ptrace SETREGSET pid=%d: %v", pid, errno)
	}
	return nil
}

func ptraceSingleStep(pid int) error {
	if err := unix.PtraceSingleStep(pid); err != nil {
		return errors.Wrapf(guesterr.TraceFailed, "ptrace SINGLESTEP pid=%d: %v", pid, err)
	}
	return waitStopped(pid)
}

func waitStopped(pid int) error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(guesterr.TraceFailed, "wait4 pid=%d: %v", pid, err)
		}
		return nil
	}
}
