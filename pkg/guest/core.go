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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
)

const elfHeaderSize64 = 64
const programHeaderSize64 = 56

func machineFor(a cpustate.Arch) elf.Machine {
	switch a {
	case cpustate.X86_64:
		return elf.EM_X86_64
	case cpustate.I386:
		return elf.EM_386
	case cpustate.ARM:
		return elf.EM_ARM
	default:
		return elf.EM_NONE
	}
}

// ToCore emits a minimal ELF64 core file at path: one PT_LOAD program
// header per Mapping in the Guest's memory view, and a PT_NOTE segment
// carrying a single NT_PRSTATUS note whose descriptor is the active CPU
// state's raw register buffer. This is deliberately not a byte-exact
// glibc elf_prstatus note — a debugger consuming a real core expects the
// full struct, including signal and pid bookkeeping this engine doesn't
// track — but every Mapping and the active register buffer round-trip
// through it.
func (g *Guest) ToCore(path string) error {
	mappings := g.Mem.Mappings()
	regs := g.ActiveState().RawBuffer()

	note := buildPrstatusNote(regs)

	numLoads := len(mappings)
	numProgs := numLoads + 1 // + PT_NOTE

	headerEnd := elfHeaderSize64 + numProgs*programHeaderSize64
	noteOff := headerEnd
	dataOff := noteOff + len(note)
	// Align data start to a page boundary, matching real core dumps.
	const align = 4096
	if rem := dataOff % align; rem != 0 {
		dataOff += align - rem
	}

	var buf bytes.Buffer
	writeElfHeader64(&buf, elf.ET_CORE, machineFor(g.Arch), uint64(elfHeaderSize64), uint16(numProgs))

	// PT_NOTE program header.
	writeProgHeader64(&buf, elf.PT_NOTE, 0, uint64(noteOff), 0, uint64(len(note)), uint64(len(note)), 0)

	curOff := uint64(dataOff)
	for _, m := range mappings {
		var flags uint32
		if m.Prot&gptr.ProtRead != 0 {
			flags |= 0x4
		}
		if m.Prot&gptr.ProtWrite != 0 {
			flags |= 0x2
		}
		if m.Prot&gptr.ProtExec != 0 {
			flags |= 0x1
		}
		writeProgHeader64(&buf, elf.PT_LOAD, flags, curOff, uint64(m.Base), uint64(m.Length), uint64(m.Length), 4096)
		curOff += uint64(m.Length)
	}

	if buf.Len() < noteOff {
		buf.Write(make([]byte, noteOff-buf.Len()))
	}
	buf.Write(note)
	if buf.Len() < dataOff {
		buf.Write(make([]byte, dataOff-buf.Len()))
	}
	for _, m := range mappings {
		data := make([]byte, m.Length)
		if err := g.Mem.CopyOut(data, m.Base); err != nil {
			return errors.Wrapf(err, "guest: to_core: reading mapping at %s", m.Base)
		}
		buf.Write(data)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "guest: to_core: writing %s", path)
	}
	return nil
}

func buildPrstatusNote(regs []byte) []byte {
	const name = "CORE\x00\x00\x00\x00" // padded to 8 bytes
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(regs)))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.NT_PRSTATUS))
	buf.WriteString(name)
	buf.Write(regs)
	return buf.Bytes()
}

func writeElfHeader64(buf *bytes.Buffer, t elf.Type, machine elf.Machine, phoff uint64, phnum uint16) {
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(t))
	binary.Write(buf, binary.LittleEndian, uint16(machine))
	binary.Write(buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(buf, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(buf, binary.LittleEndian, phoff)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(buf, binary.LittleEndian, uint16(elfHeaderSize64))
	binary.Write(buf, binary.LittleEndian, uint16(programHeaderSize64))
	binary.Write(buf, binary.LittleEndian, phnum)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shstrndx
}

func writeProgHeader64(buf *bytes.Buffer, t elf.ProgType, flags uint32, offset, vaddr, filesz, memsz, align uint64) {
	binary.Write(buf, binary.LittleEndian, uint32(t))
	binary.Write(buf, binary.LittleEndian, flags)
	binary.Write(buf, binary.LittleEndian, offset)
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, vaddr) // p_paddr, unused
	binary.Write(buf, binary.LittleEndian, filesz)
	binary.Write(buf, binary.LittleEndian, memsz)
	binary.Write(buf, binary.LittleEndian, align)
}
