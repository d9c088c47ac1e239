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

// Package elfsym parses ELF32/ELF64 images to produce a stream of
// symbols and, separately, the dynamic-linker's PLT trampoline symbols
// discovered by walking the relocation table. It leans on the standard
// library's debug/elf for header and section-table work — the corpus's
// own convention for this task (see DESIGN.md) — and hand-rolls only the
// RELA walk debug/elf has no concept of.
package elfsym

import (
	"bytes"
	"debug/elf"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// Symbol is one named, addressed region reported by the extractor.
type Symbol struct {
	Name      string
	Addr      gptr.Ptr
	Length    uint64
	IsCode    bool
	IsDynamic bool
}

// trampolineGeom describes the byte offset (relative to the dereferenced
// PLT slot value) and length of the trampoline symbol nextLinkageSym
// reports.
type trampolineGeom struct {
	offset int64
	length uint64
}

// pltSectionInfoHack is the RELA section's sh_info value this extractor
// looks for when hunting the PLT relocation table. This is a literal
// constant rather than a computed "section whose sh_info names .plt's
// index"; binaries using a different linker layout will not match.
const pltSectionInfoHack = 12

// trampolineGeometry is keyed by guest arch; only X86_64 is populated.
// I386 and ARM report guesterr.UnsupportedArch from NextLinkage rather than
// silently reusing x86-64's trampoline shape.
var trampolineGeometry = map[cpustate.Arch]trampolineGeom{
	cpustate.X86_64: {offset: -6, length: 6},
}

// Extractor walks one opened ELF image.
type Extractor struct {
	f        *elf.File
	mmap     []byte // non-nil when FromPath owns the mapping
	loadBase gptr.Ptr
	arch     cpustate.Arch

	syms      []elf.Symbol
	usingDyn  bool
	symIdx    int

	dynSyms []elf.Symbol
	relocs  []relaEntry
	relIdx  int
}

type relaEntry struct {
	offset gptr.Ptr
	symIdx uint32
}

// FromPath opens and read-only maps the file at path.
func FromPath(path string, loadBase gptr.Ptr) (*Extractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "elfsym: open %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "elfsym: stat %s", path)
	}
	size := st.Size()
	if size == 0 {
		return nil, errors.Wrapf(guesterr.ElfMalformed, "elfsym: %s is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "elfsym: mmap %s", path)
	}
	ex, err := newExtractor(data, loadBase)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	ex.mmap = data
	return ex, nil
}

// FromMemory builds an Extractor directly over an already-mapped image,
// e.g. bytes read out of a guest's own address space.
func FromMemory(data []byte, loadBase gptr.Ptr) (*Extractor, error) {
	return newExtractor(data, loadBase)
}

func newExtractor(data []byte, loadBase gptr.Ptr) (*Extractor, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(guesterr.ElfMalformed, err.Error())
	}

	var arch cpustate.Arch
	switch f.Machine {
	case elf.EM_X86_64:
		arch = cpustate.X86_64
	case elf.EM_386:
		arch = cpustate.I386
	case elf.EM_ARM:
		arch = cpustate.ARM
	default:
		return nil, errors.Wrapf(guesterr.UnsupportedArch, "elfsym: machine %s", f.Machine)
	}
	switch f.Class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return nil, errors.Wrapf(guesterr.UnsupportedArch, "elfsym: class %s", f.Class)
	}

	ex := &Extractor{f: f, loadBase: loadBase, arch: arch}

	if syms, err := f.Symbols(); err == nil && len(syms) > 0 {
		ex.syms = syms
		ex.usingDyn = false
	} else if dynSyms, err := f.DynamicSymbols(); err == nil {
		ex.syms = dynSyms
		ex.usingDyn = true
	}
	// Absence of both is not an error: Next simply yields nothing.

	dynSyms, err := f.DynamicSymbols()
	if err == nil {
		ex.dynSyms = dynSyms
	}
	if err := ex.loadRelocs(); err != nil {
		return nil, err
	}
	return ex, nil
}

func (e *Extractor) loadRelocs() error {
	for _, sec := range e.f.Sections {
		if sec.Type != elf.SHT_RELA || sec.Info != pltSectionInfoHack {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errors.Wrapf(guesterr.ElfMalformed, "elfsym: reading %s: %v", sec.Name, err)
		}
		entSize := 24
		if e.f.Class == elf.ELFCLASS32 {
			entSize = 12
		}
		if len(data)%entSize != 0 {
			return errors.Wrapf(guesterr.ElfMalformed, "elfsym: %s size %d not a multiple of %d", sec.Name, len(data), entSize)
		}
		for off := 0; off+entSize <= len(data); off += entSize {
			var offset uint64
			var info uint64
			if e.f.Class == elf.ELFCLASS64 {
				offset = e.f.ByteOrder.Uint64(data[off:])
				info = e.f.ByteOrder.Uint64(data[off+8:])
			} else {
				offset = uint64(e.f.ByteOrder.Uint32(data[off:]))
				info = uint64(e.f.ByteOrder.Uint32(data[off+4:]))
			}
			var symIdx uint32
			if e.f.Class == elf.ELFCLASS64 {
				symIdx = uint32(info >> 32)
			} else {
				symIdx = uint32(info >> 8)
			}
			e.relocs = append(e.relocs, relaEntry{offset: gptr.Ptr(offset), symIdx: symIdx})
		}
		return nil
	}
	return nil
}

// Arch reports the guest architecture this image was built for.
func (e *Extractor) Arch() cpustate.Arch { return e.arch }

// Close releases any mapping FromPath created.
func (e *Extractor) Close() error {
	if e.mmap != nil {
		return unix.Munmap(e.mmap)
	}
	return nil
}

// Next yields the next symbol in the table, or (Symbol{}, false) once
// exhausted. Symbols with a zero value or empty name are skipped, not
// reported as malformed — an empty symbol+strtab is not an error.
func (e *Extractor) Next() (Symbol, bool) {
	for e.symIdx < len(e.syms) {
		s := e.syms[e.symIdx]
		e.symIdx++
		if s.Value == 0 || s.Name == "" {
			continue
		}
		addr := gptr.Ptr(s.Value)
		if !e.usingDyn && e.f.Type == elf.ET_DYN {
			addr = addr.Add(uintptr(e.loadBase))
		}
		name := s.Name
		if i := indexOfAtAt(name); i >= 0 {
			name = name[:i]
		}
		return Symbol{
			Name:      name,
			Addr:      addr,
			Length:    s.Size,
			IsCode:    elf.ST_TYPE(s.Info) == elf.STT_FUNC,
			IsDynamic: e.usingDyn,
		}, true
	}
	return Symbol{}, false
}

func indexOfAtAt(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '@' && s[i+1] == '@' {
			return i
		}
	}
	return -1
}

// NextLinkage yields the next PLT trampoline symbol discovered by
// dereferencing a relocation's PLT slot through mem, or (Symbol{}, false,
// nil) once exhausted. Returns guesterr.UnsupportedArch if this arch's
// trampoline geometry hasn't been characterized.
func (e *Extractor) NextLinkage(mem gptr.MemoryView) (Symbol, bool, error) {
	geom, ok := trampolineGeometry[e.arch]
	if !ok {
		return Symbol{}, false, errors.Wrapf(guesterr.UnsupportedArch,
			"elfsym: no PLT trampoline geometry for %s", e.arch)
	}
	for e.relIdx < len(e.relocs) {
		r := e.relocs[e.relIdx]
		e.relIdx++
		// DynamicSymbols omits the null symbol at index 0, so R_SYM
		// index i is dynSyms[i-1]; entries naming no symbol are skipped.
		if r.symIdx == 0 {
			continue
		}
		if int(r.symIdx) > len(e.dynSyms) {
			return Symbol{}, false, errors.Wrapf(guesterr.ElfMalformed,
				"elfsym: relocation symbol index %d out of range (%d dynsyms)", r.symIdx, len(e.dynSyms))
		}
		sym := e.dynSyms[r.symIdx-1]
		value, err := mem.Read64(r.offset)
		if err != nil {
			return Symbol{}, false, err
		}
		addr := gptr.Ptr(int64(value) + geom.offset)
		return Symbol{
			Name:      sym.Name,
			Addr:      addr,
			Length:    uint64(geom.length),
			IsCode:    true,
			IsDynamic: true,
		}, true, nil
	}
	return Symbol{}, false, nil
}
