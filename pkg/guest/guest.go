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

// Package guest ties the CPU state, memory view, symbol index, and ABI
// adapter of one acquired process into the single aggregate the rest of
// the engine operates on.
package guest

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/abi"
	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/elfsym"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
	"github.com/vxguest/guestctl/pkg/guestlog"
	"github.com/vxguest/guestctl/pkg/symtab"
)

// Thread is one parked or active CPU state belonging to a Guest.
type Thread struct {
	Tid   int
	State cpustate.State
}

// breakpointEntry is the breakpoint table's record: the displaced bytes
// a SetBreakpoint call saved, keyed by address.
type breakpointEntry struct {
	displaced []byte
}

// Guest is the acquired, controllable process: CPU state(s) plus the
// memory view, symbol index, and ABI adapter needed to read and drive
// it.
type Guest struct {
	Arch       cpustate.Arch
	BinaryPath string
	Mem        gptr.MemoryView
	Symbols    *symtab.Index
	ABI        *abi.Adapter

	threads []*Thread
	active  int

	entry      gptr.Ptr
	argvPtrs   []gptr.Ptr
	argcPtr    gptr.Ptr
	vdsoPatch  bool

	exited   bool
	exitCode int

	breakpoints map[gptr.Ptr]breakpointEntry

	symbolsLoaded bool
	loadSymbols   func(*Guest) error // set by the capture driver for lazy loading
}

// New constructs a Guest from already-acquired pieces. Callers (normally
// the capture driver) are expected to have attached every thread and
// materialized the mapping list before calling this.
func New(a cpustate.Arch, binaryPath string, mem gptr.MemoryView, adapter *abi.Adapter, threads []*Thread) *Guest {
	return &Guest{
		Arch:        a,
		BinaryPath:  binaryPath,
		Mem:         mem,
		Symbols:     symtab.New(),
		ABI:         adapter,
		threads:     threads,
		breakpoints: make(map[gptr.Ptr]breakpointEntry),
	}
}

// SetEntry records the resolved entry point.
func (g *Guest) SetEntry(p gptr.Ptr) { g.entry = p }

// Entry returns the resolved entry point.
func (g *Guest) Entry() gptr.Ptr { return g.entry }

// SetLoadSymbols installs the callback used to populate the symbol
// index the first time it's queried. The capture driver supplies this
// so guest never needs to know about elfsym.Extractor construction.
func (g *Guest) SetLoadSymbols(fn func(*Guest) error) { g.loadSymbols = fn }

func (g *Guest) ensureSymbols() error {
	if g.symbolsLoaded {
		return nil
	}
	g.symbolsLoaded = true
	if g.loadSymbols == nil {
		return nil
	}
	return g.loadSymbols(g)
}

// Threads returns every parked or active thread.
func (g *Guest) Threads() []*Thread { return g.threads }

// ActiveThread returns the thread currently driving the Guest.
func (g *Guest) ActiveThread() *Thread { return g.threads[g.active] }

// ActiveState is a convenience accessor for ActiveThread().State.
func (g *Guest) ActiveState() cpustate.State { return g.ActiveThread().State }

// SwitchThread makes the i'th thread active. Switching is explicit per
// the single-threaded cooperative concurrency model: no other thread's
// state is implicitly observed.
func (g *Guest) SwitchThread(i int) error {
	if i < 0 || i >= len(g.threads) {
		return errors.Errorf("guest: thread index %d out of range (%d threads)", i, len(g.threads))
	}
	g.active = i
	return nil
}

// FindSymbolByName resolves name, loading the symbol index on first use.
func (g *Guest) FindSymbolByName(name string) (elfsym.Symbol, bool, error) {
	if err := g.ensureSymbols(); err != nil {
		return elfsym.Symbol{}, false, err
	}
	sym, ok := g.Symbols.FindByName(name)
	return sym, ok, nil
}

// FindSymbolByAddress resolves p to the symbol containing it, loading
// the symbol index on first use.
func (g *Guest) FindSymbolByAddress(p gptr.Ptr) (elfsym.Symbol, bool, error) {
	if err := g.ensureSymbols(); err != nil {
		return elfsym.Symbol{}, false, err
	}
	sym, ok := g.Symbols.FindByAddress(p)
	return sym, ok, nil
}

// Describe renders p as "symbol+0x12" when it falls inside a known
// symbol, or the bare address otherwise, for diagnostics.
func (g *Guest) Describe(p gptr.Ptr) string {
	sym, ok, err := g.FindSymbolByAddress(p)
	if err != nil || !ok {
		return p.String()
	}
	off := p.Diff(sym.Addr)
	if off == 0 {
		return sym.Name
	}
	return fmt.Sprintf("%s+0x%x", sym.Name, off)
}

// SetBreakpoint writes the active thread's trap opcode at addr and
// records the displaced bytes in the breakpoint table.
func (g *Guest) SetBreakpoint(addr gptr.Ptr) error {
	displaced, err := g.ActiveState().SetBreakpoint(g.Mem, addr)
	if err != nil {
		return err
	}
	g.breakpoints[addr] = breakpointEntry{displaced: displaced}
	return nil
}

// ResetBreakpoint restores the displaced bytes at addr without touching
// PC, removing it from the breakpoint table.
func (g *Guest) ResetBreakpoint(addr gptr.Ptr) error {
	entry, ok := g.breakpoints[addr]
	if !ok {
		return nil
	}
	delete(g.breakpoints, addr)
	if len(entry.displaced) == 1 {
		return g.Mem.Write8(addr, entry.displaced[0])
	}
	if len(entry.displaced) == 4 {
		var v uint32
		for i := 3; i >= 0; i-- {
			v = v<<8 | uint32(entry.displaced[i])
		}
		return g.Mem.Write32(addr, v)
	}
	return errors.Errorf("guest: breakpoint at %s has unexpected displaced width %d", addr, len(entry.displaced))
}

// UndoBreakpoint delegates to the active thread's CPU state: restore
// displaced bytes at the faulting address and, on x86, rewind PC past the
// trap byte (ARM leaves PC unchanged).
func (g *Guest) UndoBreakpoint() (gptr.Ptr, error) {
	addr, err := g.ActiveState().UndoBreakpoint(g.Mem)
	if err == nil && !addr.IsZero() {
		delete(g.breakpoints, addr)
	}
	return addr, err
}

// PendingBreakpoints lists every address with a still-installed trap.
func (g *Guest) PendingBreakpoints() []gptr.Ptr {
	addrs := make([]gptr.Ptr, 0, len(g.breakpoints))
	for a := range g.breakpoints {
		addrs = append(addrs, a)
	}
	return addrs
}

// MarkExited latches the exit code and flips the Guest into the Exited
// state; further CPU-state operations on it are the caller's error, not
// this package's to police.
func (g *Guest) MarkExited(code int) {
	g.exited = true
	g.exitCode = code
}

// IsExited reports whether the guest has exited.
func (g *Guest) IsExited() bool { return g.exited }

// ExitCode returns the latched exit code; meaningless unless IsExited.
func (g *Guest) ExitCode() int { return g.exitCode }

// SetArgvPtrs records the guest pointers to argv[]'s slots and to argc
// on the child's own stack. Spawn and Attach do not set them; FromGuest
// copies them from its source Guest and Load restores the saved values.
func (g *Guest) SetArgvPtrs(ptrs []gptr.Ptr, argc gptr.Ptr) {
	g.argvPtrs = ptrs
	g.argcPtr = argc
}

// ArgvPtrs returns the guest pointers to the child's argv[] slots.
func (g *Guest) ArgvPtrs() []gptr.Ptr { return g.argvPtrs }

// ArgcPtr returns the guest pointer to the child's argc slot.
func (g *Guest) ArgcPtr() gptr.Ptr { return g.argcPtr }

// vdsoTrapWord is an x86 UD2 (0x0F 0x0B), used to neuter a VDSO
// fast-path entry point so the corresponding syscall always traps
// instead of running the host's vsyscall implementation.
const vdsoTrapWord = 0x0b0f

// PatchVDSO overwrites every known VDSO entry point's first two bytes
// with an illegal instruction, forcing every syscall the child issues
// through the traced path. Opt-in: never applied implicitly, since a
// child that never expects its VDSO to trap may not handle it cleanly.
func (g *Guest) PatchVDSO() error {
	if g.vdsoPatch {
		return nil
	}
	if err := g.ensureSymbols(); err != nil {
		return err
	}
	var vdso gptr.Mapping
	found := false
	for _, m := range g.Mem.Mappings() {
		if m.Name == "[vdso]" {
			vdso, found = m, true
			break
		}
	}
	if !found {
		return errors.Wrap(guesterr.Unsupported, "guest: no [vdso] mapping found")
	}
	patched := 0
	for a := vdso.Base; a < vdso.End(); a = a.Add(1) {
		sym, ok := g.Symbols.FindByAddress(a)
		if !ok || sym.Addr != a || !sym.IsCode {
			continue
		}
		if err := g.Mem.Write16(sym.Addr, vdsoTrapWord); err != nil {
			guestlog.Warningf("guest: failed to patch vdso symbol %s at %s: %v", sym.Name, sym.Addr, err)
			continue
		}
		patched++
	}
	g.vdsoPatch = true
	guestlog.Debugf("guest: patched %d vdso entry points", patched)
	return nil
}

// IsPatchedVDSO reports whether PatchVDSO has run successfully.
func (g *Guest) IsPatchedVDSO() bool { return g.vdsoPatch }
