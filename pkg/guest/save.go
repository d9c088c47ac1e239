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

package guest

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/abi"
	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/elfsym"
	"github.com/vxguest/guestctl/pkg/gptr"
)

const (
	manifestName = "manifest.toml"
	lockName     = ".guestctl.lock"
)

type threadManifest struct {
	Tid      int
	RegsFile string
}

type mappingManifest struct {
	Base     uint64
	Length   uint64
	Prot     int
	Name     string
	Backing  int
	Offset   uint64
	DataFile string
}

type breakpointManifest struct {
	Addr      uint64
	Displaced string // hex-encoded
}

type symbolManifest struct {
	Name      string
	Addr      uint64
	Length    uint64
	IsCode    bool
	IsDynamic bool
}

type manifest struct {
	BinaryPath   string
	Arch         string
	Entry        uint64
	ArgvPtrs     []uint64
	ArgcPtr      uint64
	Exited       bool
	ExitCode     int
	VDSOPatched  bool
	ActiveThread int

	Threads     []threadManifest
	Mappings    []mappingManifest
	Breakpoints []breakpointManifest
	Symbols     []symbolManifest
}

func archName(a cpustate.Arch) string {
	return a.String()
}

func archFromName(name string) (cpustate.Arch, error) {
	switch name {
	case "x86_64":
		return cpustate.X86_64, nil
	case "i386":
		return cpustate.I386, nil
	case "arm":
		return cpustate.ARM, nil
	default:
		return 0, errors.Errorf("guest: unknown arch %q in manifest", name)
	}
}

func adapterFor(a cpustate.Arch) (*abi.Adapter, error) {
	switch a {
	case cpustate.X86_64:
		return abi.NewAMD64Adapter(), nil
	case cpustate.I386:
		return abi.NewI386Adapter(false), nil
	case cpustate.ARM:
		return abi.NewARMAdapter(), nil
	default:
		return nil, errors.Errorf("guest: no ABI adapter for arch %v", a)
	}
}

// Save serializes the mapping list and each mapping's bytes, every
// thread's register buffer, the symbol index, the breakpoint table, and
// binary identity into dir. A Guest rebuilt from dir by Load returns the
// same values from these accessors, with three differences: its memory
// view is a flat, non-live snapshot (IsFlat is true, Base is 0, and the
// mmap family reports guesterr.Unsupported), its threads' CPU states
// report pid 0, and no CPU state has a pending breakpoint in its undo
// register.
func (g *Guest) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "guest: save: mkdir %s", dir)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "guest: save: lock %s", dir)
	}
	defer lock.Unlock()

	m := manifest{
		BinaryPath:   g.BinaryPath,
		Arch:         archName(g.Arch),
		Entry:        uint64(g.entry),
		ArgcPtr:      uint64(g.argcPtr),
		Exited:       g.exited,
		ExitCode:     g.exitCode,
		VDSOPatched:  g.vdsoPatch,
		ActiveThread: g.active,
	}
	for _, p := range g.argvPtrs {
		m.ArgvPtrs = append(m.ArgvPtrs, uint64(p))
	}
	for addr, entry := range g.breakpoints {
		m.Breakpoints = append(m.Breakpoints, breakpointManifest{
			Addr: uint64(addr), Displaced: hex.EncodeToString(entry.displaced),
		})
	}

	if err := g.ensureSymbols(); err != nil {
		return errors.Wrap(err, "guest: save: loading symbols")
	}
	for _, sym := range g.Symbols.All() {
		m.Symbols = append(m.Symbols, symbolManifest{
			Name: sym.Name, Addr: uint64(sym.Addr), Length: sym.Length, IsCode: sym.IsCode,
			IsDynamic: sym.IsDynamic,
		})
	}

	for _, t := range g.threads {
		fname := fmt.Sprintf("thread-%d.regs", t.Tid)
		if err := t.State.LoadRegs(); err != nil {
			// Best effort: a dead thread may no longer be loadable; fall
			// back to whatever is already buffered.
		}
		if err := os.WriteFile(filepath.Join(dir, fname), t.State.RawBuffer(), 0600); err != nil {
			return errors.Wrapf(err, "guest: save: writing thread %d registers", t.Tid)
		}
		m.Threads = append(m.Threads, threadManifest{Tid: t.Tid, RegsFile: fname})
	}

	for _, mp := range g.Mem.Mappings() {
		data := make([]byte, mp.Length)
		if err := g.Mem.CopyOut(data, mp.Base); err != nil {
			return errors.Wrapf(err, "guest: save: dumping mapping at %s", mp.Base)
		}
		fname := fmt.Sprintf("mapping-%x.bin", uint64(mp.Base))
		if err := os.WriteFile(filepath.Join(dir, fname), data, 0600); err != nil {
			return errors.Wrapf(err, "guest: save: writing mapping at %s", mp.Base)
		}
		m.Mappings = append(m.Mappings, mappingManifest{
			Base: uint64(mp.Base), Length: uint64(mp.Length), Prot: int(mp.Prot),
			Name: mp.Name, Backing: int(mp.Backing), Offset: mp.Offset, DataFile: fname,
		})
	}

	f, err := os.Create(filepath.Join(dir, manifestName))
	if err != nil {
		return errors.Wrapf(err, "guest: save: creating manifest in %s", dir)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return errors.Wrapf(err, "guest: save: encoding manifest in %s", dir)
	}
	return nil
}

// Load rebuilds a Guest from a directory written by Save. The result's
// memory view is a flat, non-live snapshot: there is no traced pid
// behind it, so Mmap/Mprotect/Munmap/Mremap/Sbrk all report
// guesterr.Unsupported. Resuming execution from a loaded Guest is
// capture.Driver.FromGuest's job, not Load's.
func Load(dir string) (*Guest, error) {
	lock := flock.New(filepath.Join(dir, lockName))
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrapf(err, "guest: load: lock %s", dir)
	}
	defer lock.Unlock()

	var m manifest
	if _, err := toml.DecodeFile(filepath.Join(dir, manifestName), &m); err != nil {
		return nil, errors.Wrapf(err, "guest: load: decoding manifest in %s", dir)
	}

	a, err := archFromName(m.Arch)
	if err != nil {
		return nil, err
	}
	adapter, err := adapterFor(a)
	if err != nil {
		return nil, err
	}

	var mappings []gptr.Mapping
	data := make(map[gptr.Ptr][]byte)
	for _, mm := range m.Mappings {
		buf, err := os.ReadFile(filepath.Join(dir, mm.DataFile))
		if err != nil {
			return nil, errors.Wrapf(err, "guest: load: reading %s", mm.DataFile)
		}
		base := gptr.Ptr(mm.Base)
		mappings = append(mappings, gptr.Mapping{
			Base: base, Length: uintptr(mm.Length), Prot: gptr.ProtBits(mm.Prot),
			Name: mm.Name, Backing: gptr.BackingKind(mm.Backing), Offset: mm.Offset,
		})
		data[base] = buf
	}
	mem := newFlatView(0, mappings, data)

	var threads []*Thread
	for _, tm := range m.Threads {
		buf, err := os.ReadFile(filepath.Join(dir, tm.RegsFile))
		if err != nil {
			return nil, errors.Wrapf(err, "guest: load: reading %s", tm.RegsFile)
		}
		state, err := cpustate.New(a, 0)
		if err != nil {
			return nil, err
		}
		copy(state.RawBuffer(), buf)
		threads = append(threads, &Thread{Tid: tm.Tid, State: state})
	}

	g := New(a, m.BinaryPath, mem, adapter, threads)
	g.active = m.ActiveThread
	g.entry = gptr.Ptr(m.Entry)
	g.argcPtr = gptr.Ptr(m.ArgcPtr)
	for _, v := range m.ArgvPtrs {
		g.argvPtrs = append(g.argvPtrs, gptr.Ptr(v))
	}
	g.exited = m.Exited
	g.exitCode = m.ExitCode
	g.vdsoPatch = m.VDSOPatched
	for _, bp := range m.Breakpoints {
		displaced, err := hex.DecodeString(bp.Displaced)
		if err != nil {
			return nil, errors.Wrapf(err, "guest: load: decoding breakpoint at %#x", bp.Addr)
		}
		g.breakpoints[gptr.Ptr(bp.Addr)] = breakpointEntry{displaced: displaced}
	}
	g.symbolsLoaded = true
	for _, sm := range m.Symbols {
		_ = g.Symbols.Add(elfsym.Symbol{Name: sm.Name, Addr: gptr.Ptr(sm.Addr), Length: sm.Length, IsCode: sm.IsCode, IsDynamic: sm.IsDynamic})
	}
	return g, nil
}
