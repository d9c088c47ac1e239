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

// Package syscalls implements the per-call policy matrix: block, fake,
// pass through, translate, or delegate to the memory layer. It is the
// only component that interprets what a syscall number means.
package syscalls

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guest"
	"github.com/vxguest/guestctl/pkg/guesterr"
	"github.com/vxguest/guestctl/pkg/guestlog"
)

// maxSCTrace bounds the trace FIFO: older entries are dropped once the
// log exceeds this many calls.
const maxSCTrace = 256

// canonical syscall numbers, in the x86-64 numbering space: every
// guest arch's raw syscall number is translated into this space before
// the intercept table is consulted.
const (
	canonRead        = 0
	canonClose       = 3
	canonMmap        = 9
	canonMprotect    = 10
	canonMunmap      = 11
	canonBrk         = 12
	canonRtSigaction = 13
	canonMremap      = 25
	canonDup2        = 33
	canonClone       = 56
	canonFork        = 57
	canonVfork       = 58
	canonExecve      = 59
	canonExit        = 60
	canonReadlink    = 89
	canonExitGroup   = 231
)

// translateTables maps a guest arch's raw syscall numbers to the
// canonical x86-64 numbering space. X86_64 itself needs no table: its
// raw numbers already are canonical.
var translateTables = map[cpustate.Arch]map[int64]int64{
	cpustate.I386: {
		1:   canonExit,
		2:   canonFork,
		6:   canonClose,
		11:  canonExecve,
		45:  canonBrk,
		63:  canonDup2,
		90:  canonMmap,
		91:  canonMunmap,
		125: canonMprotect,
		163: canonMremap,
		85:  canonReadlink,
		174: canonRtSigaction,
		190: canonVfork,
		192: canonMmap,
		120: canonClone,
		252: canonExitGroup,
	},
	cpustate.ARM: {
		1:   canonExit,
		2:   canonFork,
		6:   canonClose,
		11:  canonExecve,
		45:  canonBrk,
		63:  canonDup2,
		85:  canonReadlink,
		90:  canonMmap,
		91:  canonMunmap,
		120: canonClone,
		125: canonMprotect,
		163: canonMremap,
		174: canonRtSigaction,
		190: canonVfork,
		192: canonMmap,
		248: canonExitGroup,
	},
}

func translate(a cpustate.Arch, nr int64) int64 {
	table, ok := translateTables[a]
	if !ok {
		return nr // x86_64: identity
	}
	if canon, ok := table[nr]; ok {
		return canon
	}
	return -1 // unrecognized: caller falls back to the untranslated number
}

func detectHostArch() cpustate.Arch {
	switch runtime.GOARCH {
	case "amd64":
		return cpustate.X86_64
	case "386":
		return cpustate.I386
	case "arm":
		return cpustate.ARM
	default:
		return cpustate.X86_64
	}
}

// Options carries the environment-derived toggles relevant to the
// mediator.
type Options struct {
	TraceSyscalls      bool
	Chroot             string
	ForceXlateSyscalls bool
}

// TraceEntry is one recorded call in the trace FIFO.
type TraceEntry struct {
	Nr          int64
	Args        [7]uint64
	Result      uint64
	Intercepted bool
}

// Mediator applies the per-syscall policy matrix against one Guest.
type Mediator struct {
	g        *guest.Guest
	opts     Options
	hostArch cpustate.Arch
	trace    []TraceEntry
}

// New returns a Mediator over g.
func New(g *guest.Guest, opts Options) *Mediator {
	return &Mediator{g: g, opts: opts, hostArch: detectHostArch()}
}

// Trace returns the bounded log of recent calls, oldest first.
func (m *Mediator) Trace() []TraceEntry { return m.trace }

// TraceString renders the trace FIFO for diagnostics, folding in the
// original's printTraceStats.
func (m *Mediator) TraceString() string {
	var b strings.Builder
	for _, e := range m.trace {
		tag := "passthrough"
		if e.Intercepted {
			tag = "intercepted"
		}
		fmt.Fprintf(&b, "nr=%d args=%v result=%#x [%s]\n", e.Nr, e.Args, e.Result, tag)
	}
	return b.String()
}

func (m *Mediator) record(nr int64, args [7]uint64, result uint64, intercepted bool) {
	m.trace = append(m.trace, TraceEntry{Nr: nr, Args: args, Result: result, Intercepted: intercepted})
	if len(m.trace) > maxSCTrace {
		m.trace = m.trace[len(m.trace)-maxSCTrace:]
	}
}

// Apply runs the per-call algorithm: copy params, translate the syscall
// number, hard-refuse clone/fork/execve, consult the intercept table,
// otherwise pass through or dispatch in the child, then record the call
// and its result in the trace FIFO and optionally log. A call that ends
// in an error is neither recorded nor logged.
func (m *Mediator) Apply() (uint64, error) {
	state := m.g.ActiveState()

	params, err := m.copyParams(state)
	if err != nil {
		return 0, err
	}

	canon := translate(m.g.Arch, params.Nr)
	effective := canon
	if effective < 0 {
		effective = params.Nr
	}

	if effective == canonClone || effective == canonFork || effective == canonVfork || effective == canonExecve {
		return 0, errors.Wrapf(guesterr.DisallowedSyscall, "syscalls: nr=%d (clone/fork/execve family)", params.Nr)
	}

	result, intercepted, err := m.intercept(effective, params)
	if err != nil {
		return 0, err
	}
	if !intercepted {
		result, err = m.dispatch(params)
		if err != nil {
			return 0, err
		}
	}

	m.record(params.Nr, params.Args, result, intercepted)
	if m.opts.TraceSyscalls {
		guestlog.Debugf("syscall nr=%d args=%v -> %#x (intercepted=%v)", params.Nr, params.Args, result, intercepted)
	}
	return result, nil
}

// copyParams is step 1: snapshot the syscall number and every argument
// register out of the active thread before anything else touches it.
// On x86, at a syscall-entry stop the result register still holds the
// number the kernel hasn't yet overwritten with a return value; ARM EABI
// stages the number in r7 rather than in its r0 result register.
func (m *Mediator) copyParams(state cpustate.State) (cpustate.SyscallParams, error) {
	params := cpustate.SyscallParams{Nr: int64(int32(state.GetSyscallResult()))}
	if state.Arch() == cpustate.ARM {
		off, err := state.NameToOffset("r7")
		if err != nil {
			return cpustate.SyscallParams{}, err
		}
		b := state.RawBuffer()[off:]
		params.Nr = int64(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
	}
	for i := 0; i < 6; i++ {
		v, err := m.g.ABI.ReadArg(state, i)
		if err != nil {
			return cpustate.SyscallParams{}, err
		}
		params.Args[i] = v
	}
	return params, nil
}

func (m *Mediator) intercept(canon int64, params cpustate.SyscallParams) (uint64, bool, error) {
	switch canon {
	case canonExit, canonExitGroup:
		code := int(int32(params.Arg(0)))
		m.g.MarkExited(code)
		return params.Arg(0), true, nil

	case canonClose, canonDup2:
		if params.Arg(0) < 3 {
			return 0, true, nil
		}
		return 0, false, nil

	case canonBrk:
		newTop := gptr.Ptr(params.Arg(0))
		top, err := m.g.Mem.Sbrk(newTop)
		if err != nil {
			return uint64(int64(-unix.ENOMEM)), true, nil
		}
		return uint64(top), true, nil

	case canonRtSigaction:
		return 0, true, nil

	case canonMmap:
		res, err := m.g.Mem.Mmap(gptr.Ptr(params.Arg(0)), uintptr(params.Arg(1)), int(params.Arg(2)), int(params.Arg(3)), int(int32(params.Arg(4))), int64(params.Arg(5)))
		if err != nil {
			return 0, true, err
		}
		return uint64(res), true, nil

	case canonMprotect:
		if err := m.g.Mem.Mprotect(gptr.Ptr(params.Arg(0)), uintptr(params.Arg(1)), int(params.Arg(2))); err != nil {
			return 0, true, err
		}
		return 0, true, nil

	case canonMunmap:
		if err := m.g.Mem.Munmap(gptr.Ptr(params.Arg(0)), uintptr(params.Arg(1))); err != nil {
			return 0, true, err
		}
		return 0, true, nil

	case canonMremap:
		res, err := m.g.Mem.Mremap(gptr.Ptr(params.Arg(0)), uintptr(params.Arg(1)), uintptr(params.Arg(2)), int(params.Arg(3)), gptr.Ptr(params.Arg(4)))
		if err != nil {
			return 0, true, err
		}
		return uint64(res), true, nil

	case canonReadlink:
		return m.readlinkSelfExe(params)

	default:
		return 0, false, nil
	}
}

// readlinkSelfExe rewrites readlink("/proc/self/exe", ...) to return
// the Guest's own binary path, following symlinks iteratively until
// stable, then copying the final string into the child's buffer.
func (m *Mediator) readlinkSelfExe(params cpustate.SyscallParams) (uint64, bool, error) {
	bufPtr := gptr.Ptr(params.Arg(1))
	n := int(params.Arg(2))

	pathLen, err := m.g.Mem.Strlen(gptr.Ptr(params.Arg(0)))
	if err != nil {
		return uint64(int64(-unix.EFAULT)), true, nil
	}
	raw := make([]byte, pathLen)
	if err := m.g.Mem.CopyOut(raw, gptr.Ptr(params.Arg(0))); err != nil {
		return uint64(int64(-unix.EFAULT)), true, nil
	}
	if string(raw) != "/proc/self/exe" {
		return 0, false, nil
	}

	path := m.g.BinaryPath
	for i := 0; i < 40; i++ {
		target, err := os.Readlink(path)
		if err != nil || target == path {
			break
		}
		path = target
	}

	out := []byte(path)
	if len(out) > n {
		out = out[:n]
	}
	if err := m.g.Mem.CopyIn(bufPtr, out); err != nil {
		return uint64(int64(-unix.EFAULT)), true, nil
	}
	return uint64(len(out)), true, nil
}

func (m *Mediator) dispatch(params cpustate.SyscallParams) (uint64, error) {
	if m.passthroughEligible() {
		result, err := hostSyscall(params)
		if err != nil {
			return 0, err
		}
		if int64(result) < 0 {
			return uint64(int64(result)), nil
		}
		return result, nil
	}
	state := m.g.ActiveState()
	result, err := state.DispatchSyscall(params)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// passthroughEligible implements step 6's flat/arch-match/null-base
// test for host pass-through, unless GUEST_XLATE_SYSCALLS forces the
// translation path.
func (m *Mediator) passthroughEligible() bool {
	if m.opts.ForceXlateSyscalls {
		return false
	}
	return m.g.Arch == m.hostArch && m.g.Mem.IsFlat() && m.g.Mem.Base().IsZero()
}

func hostSyscall(params cpustate.SyscallParams) (uint64, error) {
	r1, _, errno := unix.Syscall6(uintptr(params.Nr),
		uintptr(params.Args[0]), uintptr(params.Args[1]), uintptr(params.Args[2]),
		uintptr(params.Args[3]), uintptr(params.Args[4]), uintptr(params.Args[5]))
	if errno != 0 {
		return uint64(int64(-int64(errno))), nil
	}
	return uint64(r1), nil
}
