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

// Package capture implements the three ways a Guest comes into being:
// spawning a fresh child, attaching to a running one, or re-spawning
// from a previously captured Guest's saved state.
package capture

import (
	"bufio"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vxguest/guestctl/pkg/abi"
	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/elfsym"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guest"
	"github.com/vxguest/guestctl/pkg/guesterr"
	"github.com/vxguest/guestctl/pkg/guestlog"
	"github.com/vxguest/guestctl/pkg/ptracemem"
)

// Options is an explicit struct the embedder populates, rather than this
// package reading os.Getenv directly anywhere but OptionsFromEnv.
type Options struct {
	// RealBinPath overrides the binary path used for symbol loading,
	// for when argv[0] is a wrapper script. VEXLLVM_REAL_BINPATH.
	RealBinPath string
	// WaitSysnr, if non-zero, makes Spawn stop at the first occurrence
	// of this syscall number instead of at the binary's entry point.
	// VEXLLVM_WAIT_SYSNR.
	WaitSysnr int64
	// TraceSyscalls turns on the syscall mediator's trace sink.
	// GUEST_SYSCALLS.
	TraceSyscalls bool
	// Chroot is an informational path-rewrite root; applied by
	// translators, not this package. GUEST_CHROOT.
	Chroot string
	// ForceXlateSyscalls forces the translation path even when host and
	// guest archs match. GUEST_XLATE_SYSCALLS.
	ForceXlateSyscalls bool
	// ForcePreloads names symbols the lazy symbol loader looks up once
	// it has merged every mapped object's symbols; any name not found is
	// logged at debug level. Nothing beyond the mapped objects' own
	// symbol tables is resolved.
	ForcePreloads []string
}

// OptionsFromEnv builds an Options from the process environment.
func OptionsFromEnv() Options {
	opts := Options{
		RealBinPath:        os.Getenv("VEXLLVM_REAL_BINPATH"),
		TraceSyscalls:      os.Getenv("GUEST_SYSCALLS") != "",
		Chroot:             os.Getenv("GUEST_CHROOT"),
		ForceXlateSyscalls: os.Getenv("GUEST_XLATE_SYSCALLS") != "",
	}
	if v := os.Getenv("VEXLLVM_WAIT_SYSNR"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.WaitSysnr = n
		}
	}
	return opts
}

// waitTimeout bounds how long waitStoppedRetrying will retry an
// EINTR'd wait4 before giving up.
const waitTimeout = 2 * time.Second

// Driver acquires guests.
type Driver struct {
	Options Options
}

// New returns a Driver configured with opts.
func New(opts Options) *Driver { return &Driver{Options: opts} }

func adapterFor(a cpustate.Arch) (*abi.Adapter, error) {
	switch a {
	case cpustate.X86_64:
		return abi.NewAMD64Adapter(), nil
	case cpustate.I386:
		return abi.NewI386Adapter(false), nil
	case cpustate.ARM:
		return abi.NewARMAdapter(), nil
	default:
		return nil, errors.Wrapf(guesterr.UnsupportedArch, "capture: arch %v", a)
	}
}

func elfArch(path string) (cpustate.Arch, elf.Type, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(guesterr.ElfMalformed, "capture: opening %s: %v", path, err)
	}
	defer f.Close()
	var a cpustate.Arch
	switch f.Machine {
	case elf.EM_X86_64:
		a = cpustate.X86_64
	case elf.EM_386:
		a = cpustate.I386
	case elf.EM_ARM:
		a = cpustate.ARM
	default:
		return 0, 0, 0, errors.Wrapf(guesterr.UnsupportedArch, "capture: %s machine %s", path, f.Machine)
	}
	return a, f.Type, f.Entry, nil
}

// waitStoppedRetrying waits for pid to stop, retrying EINTR under a
// small constant backoff bounded by a timeout context.
func waitStoppedRetrying(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(5*time.Millisecond), ctx)
	op := func() error {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return ws, errors.Wrapf(guesterr.TraceFailed, "capture: wait4 pid=%d: %v", pid, err)
	}
	return ws, nil
}

// Spawn forks the target, requests trace-me, execve's it, and drives it
// forward to the binary's entry point (or, if Options.WaitSysnr is set,
// to the first occurrence of that syscall number).
func (d *Driver) Spawn(path string, argv []string) (*guest.Guest, error) {
	arch, etype, entry, err := elfArch(path)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, argv...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(guesterr.TraceFailed, "capture: starting %s: %v", path, err)
	}
	pid := cmd.Process.Pid

	if _, err := waitStoppedRetrying(pid); err != nil {
		return nil, err
	}

	loadBase, err := loadBiasFromMaps(pid, path, etype)
	if err != nil {
		return nil, err
	}

	state, err := cpustate.New(arch, pid)
	if err != nil {
		return nil, err
	}
	if err := state.LoadRegs(); err != nil {
		return nil, err
	}

	adapter, err := adapterFor(arch)
	if err != nil {
		return nil, err
	}
	mem := ptracemem.New(pid, state)

	if d.Options.WaitSysnr != 0 {
		if err := runToSyscall(pid, state, d.Options.WaitSysnr); err != nil {
			return nil, err
		}
	} else {
		entryAddr := gptr.Ptr(entry)
		if etype == elf.ET_DYN {
			entryAddr = entryAddr.Add(uintptr(loadBase))
		}
		if err := runToBreakpoint(pid, state, mem, entryAddr); err != nil {
			return nil, err
		}
	}

	mappings, err := readMappings(pid)
	if err != nil {
		return nil, err
	}

	binaryPath := path
	if d.Options.RealBinPath != "" {
		binaryPath = d.Options.RealBinPath
	}

	threads, err := attachSiblingThreads(pid, arch)
	if err != nil {
		return nil, err
	}
	threads = append([]*guest.Thread{{Tid: pid, State: state}}, threads...)

	g := guest.New(arch, binaryPath, mem, adapter, threads)
	g.SetEntry(gptr.Ptr(entry).Add(uintptr(loadBase)))
	g.SetLoadSymbols(d.makeLazySymbolLoader(binaryPath, loadBase, mappings))
	return g, nil
}

// Attach attaches to an already-running pid, assumed to be past the
// loader.
func (d *Driver) Attach(pid int, arch cpustate.Arch, binaryPath string) (*guest.Guest, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, errors.Wrapf(guesterr.TraceFailed, "capture: PTRACE_ATTACH pid=%d: %v", pid, err)
	}
	if _, err := waitStoppedRetrying(pid); err != nil {
		return nil, err
	}
	state, err := cpustate.New(arch, pid)
	if err != nil {
		return nil, err
	}
	if err := state.LoadRegs(); err != nil {
		return nil, err
	}
	adapter, err := adapterFor(arch)
	if err != nil {
		return nil, err
	}
	mem := ptracemem.New(pid, state)

	threads, err := attachSiblingThreads(pid, arch)
	if err != nil {
		return nil, err
	}
	threads = append([]*guest.Thread{{Tid: pid, State: state}}, threads...)

	_, etype, entry, err := elfArch(binaryPath)
	if err != nil {
		return nil, err
	}
	loadBase, err := loadBiasFromMaps(pid, binaryPath, etype)
	if err != nil {
		return nil, err
	}
	mappings, err := readMappings(pid)
	if err != nil {
		return nil, err
	}

	g := guest.New(arch, binaryPath, mem, adapter, threads)
	g.SetEntry(gptr.Ptr(entry).Add(uintptr(loadBase)))
	g.SetLoadSymbols(d.makeLazySymbolLoader(binaryPath, loadBase, mappings))
	return g, nil
}

// FromGuest spawns a fresh child from src's binary and copies src's CPU
// state and mappings into it, for resuming from a snapshot. On success
// src is no longer usable; callers should discard it.
func (d *Driver) FromGuest(src *guest.Guest) (*guest.Guest, error) {
	fresh, err := d.Spawn(src.BinaryPath, nil)
	if err != nil {
		return nil, err
	}

	srcThread := src.ActiveThread()
	freshThread := fresh.ActiveThread()
	copy(freshThread.State.RawBuffer(), srcThread.State.RawBuffer())

	if bridge, ok := fresh.Mem.(*ptracemem.Bridge); ok {
		bridge.Import(ptracemem.Snapshot{
			Base:     src.Mem.Base(),
			Mappings: src.Mem.Mappings(),
		})
	}
	fresh.Symbols.Merge(src.Symbols)
	fresh.SetArgvPtrs(src.ArgvPtrs(), src.ArgcPtr())
	return fresh, nil
}

// runToBreakpoint places a temporary breakpoint at target, continues the
// child, waits for the trap, and undoes the breakpoint — the mechanism
// by which Spawn steps the child from loader code to its entry point.
func runToBreakpoint(pid int, state cpustate.State, mem gptr.MemoryView, target gptr.Ptr) error {
	if _, err := state.SetBreakpoint(mem, target); err != nil {
		return err
	}
	if err := unix.PtraceCont(pid, 0); err != nil {
		return errors.Wrapf(guesterr.TraceFailed, "capture: PTRACE_CONT pid=%d: %v", pid, err)
	}
	if _, err := waitStoppedRetrying(pid); err != nil {
		return err
	}
	if _, err := state.UndoBreakpoint(mem); err != nil {
		return err
	}
	return state.LoadRegs()
}

// runToSyscall uses PTRACE_SYSCALL stops to find the first occurrence of
// sysnr, per the VEXLLVM_WAIT_SYSNR override.
func runToSyscall(pid int, state cpustate.State, sysnr int64) error {
	for {
		if err := unix.PtraceSyscall(pid, 0); err != nil {
			return errors.Wrapf(guesterr.TraceFailed, "capture: PTRACE_SYSCALL pid=%d: %v", pid, err)
		}
		if _, err := waitStoppedRetrying(pid); err != nil {
			return err
		}
		if err := state.LoadRegs(); err != nil {
			return err
		}
		nr, err := syscallNrFromResult(state)
		if err != nil {
			return err
		}
		if nr == sysnr {
			return nil
		}
	}
}

func syscallNrFromResult(state cpustate.State) (int64, error) {
	// On x86 the syscall number sits in the register the result later
	// occupies (rax/eax); reuse GetSyscallResult's accessor since at
	// syscall-enter it has not been overwritten yet. ARM EABI stages the
	// number in r7 rather than in its r0 result register.
	if state.Arch() == cpustate.ARM {
		off, err := state.NameToOffset("r7")
		if err != nil {
			return 0, err
		}
		b := state.RawBuffer()[off:]
		return int64(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
	}
	return int64(state.GetSyscallResult()), nil
}

// loadBiasFromMaps finds path's first mapped region in pid's process map
// and returns the difference between its runtime base and the file's
// lowest PT_LOAD vaddr (0 for an ET_EXEC, which is never relocated).
func loadBiasFromMaps(pid int, path string, etype elf.Type) (uint64, error) {
	if etype != elf.ET_DYN {
		return 0, nil
	}
	ef, err := elf.Open(path)
	if err != nil {
		return 0, errors.Wrapf(guesterr.ElfMalformed, "capture: opening %s: %v", path, err)
	}
	var lowest uint64
	found := false
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD && (!found || p.Vaddr < lowest) {
			lowest, found = p.Vaddr, true
		}
	}
	ef.Close()
	lowest &^= gptr.PageSize - 1
	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(mapsPath)
	if err != nil {
		return 0, errors.Wrapf(err, "capture: opening %s", mapsPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasSuffix(line, path) && !strings.Contains(line, path) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rangeStr := strings.SplitN(fields[0], "-", 2)
		base, err := strconv.ParseUint(rangeStr[0], 16, 64)
		if err != nil {
			continue
		}
		return base - lowest, nil
	}
	return 0, nil
}

// readMappings parses /proc/pid/maps into Mapping records.
func readMappings(pid int) ([]gptr.Mapping, error) {
	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: opening %s", mapsPath)
	}
	defer f.Close()

	var out []gptr.Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		rangeStr := strings.SplitN(fields[0], "-", 2)
		if len(rangeStr) != 2 {
			continue
		}
		base, err1 := strconv.ParseUint(rangeStr[0], 16, 64)
		end, err2 := strconv.ParseUint(rangeStr[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		perms := fields[1]
		var prot gptr.ProtBits
		if strings.Contains(perms, "r") {
			prot |= gptr.ProtRead
		}
		if strings.Contains(perms, "w") {
			prot |= gptr.ProtWrite
		}
		if strings.Contains(perms, "x") {
			prot |= gptr.ProtExec
		}
		offset, _ := strconv.ParseUint(fields[2], 16, 64)
		name := ""
		if len(fields) >= 6 {
			name = fields[5]
		}
		backing := gptr.BackingAnon
		if name != "" && !strings.HasPrefix(name, "[") {
			backing = gptr.BackingFile
		}
		out = append(out, gptr.Mapping{
			Base: gptr.Ptr(base), Length: uintptr(end - base),
			Prot: prot, Name: name, Backing: backing, Offset: offset,
		})
	}
	return out, nil
}

// attachSiblingThreads enumerates /proc/pid/task and attaches every
// thread but the leader, returning a parked CPU state for each.
func attachSiblingThreads(leader int, arch cpustate.Arch) ([]*guest.Thread, error) {
	taskDir := fmt.Sprintf("/proc/%d/task", leader)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		// A single-threaded guest (or a racing exit) is not an error.
		return nil, nil
	}
	var threads []*guest.Thread
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil || tid == leader {
			continue
		}
		if err := unix.PtraceAttach(tid); err != nil {
			guestlog.Warningf("capture: attaching sibling thread %d: %v", tid, err)
			continue
		}
		if _, err := waitStoppedRetrying(tid); err != nil {
			guestlog.Warningf("capture: waiting on sibling thread %d: %v", tid, err)
			continue
		}
		state, err := cpustate.New(arch, tid)
		if err != nil {
			return nil, err
		}
		if err := state.LoadRegs(); err != nil {
			guestlog.Warningf("capture: loading regs for thread %d: %v", tid, err)
			continue
		}
		threads = append(threads, &guest.Thread{Tid: tid, State: state})
	}
	return threads, nil
}

func isELFName(name string) bool {
	if name == "" || strings.HasPrefix(name, "[") {
		return false
	}
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	return magic == [4]byte{0x7f, 'E', 'L', 'F'}
}

// makeLazySymbolLoader returns the callback a Guest uses to populate its
// symbol index the first time it's queried: walk every file-backed ELF
// mapping, extract its symbols, and merge them in, plus the linkage
// symbols discovered by walking the main binary's relocations.
func (d *Driver) makeLazySymbolLoader(binaryPath string, loadBase uint64, mappings []gptr.Mapping) func(*guest.Guest) error {
	return func(g *guest.Guest) error {
		seen := make(map[string]bool)
		for _, m := range mappings {
			if m.Backing != gptr.BackingFile || !isELFName(m.Name) || seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			bias := gptr.Ptr(0)
			if m.Name == binaryPath {
				bias = gptr.Ptr(loadBase)
			}
			ex, err := elfsym.FromPath(m.Name, bias)
			if err != nil {
				guestlog.Warningf("capture: symbol load for %s: %v", m.Name, err)
				continue
			}
			for {
				sym, ok := ex.Next()
				if !ok {
					break
				}
				_ = g.Symbols.Add(sym) // duplicates across mapped objects are expected, not fatal
			}
			if m.Name == binaryPath {
				for {
					sym, ok, err := ex.NextLinkage(g.Mem)
					if err != nil {
						if errors.Is(err, guesterr.UnsupportedArch) {
							break
						}
						ex.Close()
						return err
					}
					if !ok {
						break
					}
					_ = g.Symbols.Add(sym)
				}
			}
			ex.Close()
		}
		for _, name := range d.Options.ForcePreloads {
			if _, ok := g.Symbols.FindByName(name); !ok {
				guestlog.Debugf("capture: forced preload %q not resolved by any mapped object", name)
			}
		}
		return nil
	}
}

// DumpSelfMaps logs the host tracer's own /proc/self/maps, for
// diagnosing whether the tracer's own address space (not the guest's)
// is implicated in a failure.
func DumpSelfMaps() {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		guestlog.Warningf("capture: reading /proc/self/maps: %v", err)
		return
	}
	guestlog.WithFields(map[string]interface{}{"component": "capture"}).Debugf("host maps:\n%s", data)
}
