package elfsym

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// buildMinimalELF64 hand-assembles the smallest ELF64 image that
// debug/elf will accept: one non-dynamic symbol table naming a single
// function symbol, no program headers, no code.
func buildMinimalELF64(t *testing.T, machine elf.Machine, etype elf.Type) []byte {
	t.Helper()

	const (
		ehsize   = 64
		shentsz  = 64
		symentsz = 24
	)

	symtabOff := int64(ehsize)
	nullSym := make([]byte, symentsz)
	mainSym := make([]byte, symentsz)
	binary.LittleEndian.PutUint32(mainSym[0:], 1)                    // st_name
	mainSym[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)        // st_info
	mainSym[5] = 0                                                   // st_other
	binary.LittleEndian.PutUint16(mainSym[6:], 1)                    // st_shndx
	binary.LittleEndian.PutUint64(mainSym[8:], 0x401000)             // st_value
	binary.LittleEndian.PutUint64(mainSym[16:], 0x20)                // st_size
	symtab := append(append([]byte{}, nullSym...), mainSym...)

	strtabOff := symtabOff + int64(len(symtab))
	strtab := []byte("\x00main\x00")

	shstrtabOff := strtabOff + int64(len(strtab))
	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

	shoff := shstrtabOff + int64(len(shstrtab))

	var buf bytes.Buffer
	buf.Write(make([]byte, ehsize))
	buf.Write(symtab)
	buf.Write(strtab)
	buf.Write(shstrtab)

	// Section headers: NULL, .symtab, .strtab, .shstrtab.
	writeShdr := func(name uint32, typ elf.SectionType, off, size int64, link, info uint32) {
		var s [shentsz]byte
		binary.LittleEndian.PutUint32(s[0:], name)
		binary.LittleEndian.PutUint32(s[4:], uint32(typ))
		// s[8:16] sh_flags, s[16:24] sh_addr left zero.
		binary.LittleEndian.PutUint64(s[24:], uint64(off))
		binary.LittleEndian.PutUint64(s[32:], uint64(size))
		binary.LittleEndian.PutUint32(s[40:], link)
		binary.LittleEndian.PutUint32(s[44:], info)
		binary.LittleEndian.PutUint64(s[48:], 8)
		buf.Write(s[:])
	}
	writeShdr(0, elf.SHT_NULL, 0, 0, 0, 0)
	writeShdr(1, elf.SHT_SYMTAB, symtabOff, int64(len(symtab)), 2, 1)
	writeShdr(9, elf.SHT_STRTAB, strtabOff, int64(len(strtab)), 0, 0)
	writeShdr(17, elf.SHT_STRTAB, shstrtabOff, int64(len(shstrtab)), 0, 0)

	out := buf.Bytes()

	// Now backfill the ELF header at offset 0.
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	copy(out[0:16], ident[:])
	binary.LittleEndian.PutUint16(out[16:], uint16(etype))
	binary.LittleEndian.PutUint16(out[18:], uint16(machine))
	binary.LittleEndian.PutUint32(out[20:], 1) // e_version
	binary.LittleEndian.PutUint64(out[40:], uint64(shoff))
	binary.LittleEndian.PutUint16(out[52:], ehsize)
	binary.LittleEndian.PutUint16(out[58:], shentsz)
	binary.LittleEndian.PutUint16(out[60:], 4) // e_shnum
	binary.LittleEndian.PutUint16(out[62:], 3) // e_shstrndx

	return out
}

func TestFromMemoryYieldsSymbol(t *testing.T) {
	data := buildMinimalELF64(t, elf.EM_X86_64, elf.ET_EXEC)
	ex, err := FromMemory(data, 0)
	if err != nil {
		t.Fatalf("FromMemory: %v", err)
	}
	if ex.Arch().String() != "x86_64" {
		t.Errorf("Arch() = %s, want x86_64", ex.Arch())
	}

	sym, ok := ex.Next()
	if !ok {
		t.Fatal("Next() yielded nothing, want one symbol")
	}
	want := Symbol{Name: "main", Addr: gptr.Ptr(0x401000), Length: 0x20, IsCode: true, IsDynamic: false}
	if sym != want {
		t.Errorf("Next() = %+v, want %+v", sym, want)
	}

	if _, ok := ex.Next(); ok {
		t.Error("second Next() yielded a symbol, want exhausted")
	}
}

func TestFromMemoryUnsupportedMachine(t *testing.T) {
	data := buildMinimalELF64(t, elf.EM_MIPS, elf.ET_EXEC)
	_, err := FromMemory(data, 0)
	if !errors.Is(err, guesterr.UnsupportedArch) {
		t.Fatalf("err = %v, want guesterr.UnsupportedArch", err)
	}
}

func TestFromMemoryMalformedData(t *testing.T) {
	_, err := FromMemory([]byte("not an elf file"), 0)
	if !errors.Is(err, guesterr.ElfMalformed) {
		t.Fatalf("err = %v, want guesterr.ElfMalformed", err)
	}
}

func TestNextLinkageUnsupportedArchForI386(t *testing.T) {
	data := buildMinimalELF64(t, elf.EM_386, elf.ET_EXEC)
	ex, err := FromMemory(data, 0)
	if err != nil {
		t.Fatalf("FromMemory: %v", err)
	}
	_, _, err = ex.NextLinkage(nil)
	if !errors.Is(err, guesterr.UnsupportedArch) {
		t.Fatalf("NextLinkage err = %v, want guesterr.UnsupportedArch", err)
	}
}
