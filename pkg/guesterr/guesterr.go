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

// Package guesterr defines the sentinel error kinds the guest-acquisition
// and control engine raises, per the error handling design.
package guesterr

import "github.com/pkg/errors"

// TraceFailed indicates the OS trace primitive rejected an operation on a
// live pid. Usually fatal, and surfaced verbatim to the embedder.
var TraceFailed = errors.New("guestctl: trace primitive failed")

// UnsupportedArch indicates an ELF header, or an architecture descriptor,
// named an architecture the core does not know.
var UnsupportedArch = errors.New("guestctl: unsupported architecture")

// ElfMalformed indicates a bad section index or an impossible size while
// walking an ELF image. Symbol loading degrades to an empty index; this is
// not fatal to acquisition.
var ElfMalformed = errors.New("guestctl: malformed elf image")

// UnknownRegister indicates an ABI descriptor named a register the CPU
// state implementation does not know the offset of. Fatal at construction.
var UnknownRegister = errors.New("guestctl: unknown register name")

// DisallowedSyscall indicates the traced child issued clone, fork, or
// execve, which would break the single-traced-process model. Fatal.
var DisallowedSyscall = errors.New("guestctl: disallowed syscall")

// SyscallSiteMismatch indicates that after dispatching a syscall the child
// did not stop at the expected syscall-instruction boundary. Fatal.
var SyscallSiteMismatch = errors.New("guestctl: syscall site mismatch")

// OutOfMemoryGuest indicates sbrk failed inside the guest. This surfaces to
// the child as -ENOMEM, never as a host-visible error.
var OutOfMemoryGuest = errors.New("guestctl: guest out of memory")

// ChildExited is not a failure. It marks that the guest has latched an
// exit code and transitioned out of the running state.
var ChildExited = errors.New("guestctl: child exited")

// Unsupported marks an operation the core deliberately stubs out rather
// than silently mis-implement (sbrk/mremap on the trace memory bridge,
// the brk/mmap family on a Guest rebuilt by Load, PatchVDSO with no
// [vdso] mapping). Misaligned wide accesses report TraceFailed and an
// arch with no PLT trampoline geometry reports UnsupportedArch instead.
var Unsupported = errors.New("guestctl: operation unsupported by this core")

// Wrap annotates err with a message while preserving errors.Is matching
// against the sentinel kinds above.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
