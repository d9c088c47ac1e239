package cpustate

import (
	"testing"

	"github.com/vxguest/guestctl/pkg/gptr"
)

// fakeMem is a tiny in-process gptr.MemoryView backed by a byte map, just
// enough to exercise breakpoint set/undo without a live ptrace target.
type fakeMem struct {
	bytes map[gptr.Ptr]byte
}

func newFakeMem() *fakeMem { return &fakeMem{bytes: make(map[gptr.Ptr]byte)} }

func (m *fakeMem) Read8(p gptr.Ptr) (uint8, error) { return m.bytes[p], nil }
func (m *fakeMem) Read16(p gptr.Ptr) (uint16, error) {
	return uint16(m.bytes[p]) | uint16(m.bytes[p.Add(1)])<<8, nil
}
func (m *fakeMem) Read32(p gptr.Ptr) (uint32, error) {
	var v uint32
	for i := uintptr(0); i < 4; i++ {
		v |= uint32(m.bytes[p.Add(i)]) << (8 * i)
	}
	return v, nil
}
func (m *fakeMem) Read64(p gptr.Ptr) (uint64, error) {
	var v uint64
	for i := uintptr(0); i < 8; i++ {
		v |= uint64(m.bytes[p.Add(i)]) << (8 * i)
	}
	return v, nil
}
func (m *fakeMem) Write8(p gptr.Ptr, v uint8) error { m.bytes[p] = v; return nil }
func (m *fakeMem) Write16(p gptr.Ptr, v uint16) error {
	m.bytes[p] = byte(v)
	m.bytes[p.Add(1)] = byte(v >> 8)
	return nil
}
func (m *fakeMem) Write32(p gptr.Ptr, v uint32) error {
	for i := uintptr(0); i < 4; i++ {
		m.bytes[p.Add(i)] = byte(v >> (8 * i))
	}
	return nil
}
func (m *fakeMem) Write64(p gptr.Ptr, v uint64) error {
	for i := uintptr(0); i < 8; i++ {
		m.bytes[p.Add(i)] = byte(v >> (8 * i))
	}
	return nil
}
func (m *fakeMem) CopyIn(dest gptr.Ptr, src []byte) error {
	for i, b := range src {
		m.bytes[dest.Add(uintptr(i))] = b
	}
	return nil
}
func (m *fakeMem) CopyOut(dst []byte, src gptr.Ptr) error {
	for i := range dst {
		dst[i] = m.bytes[src.Add(uintptr(i))]
	}
	return nil
}
func (m *fakeMem) Memset(dest gptr.Ptr, b byte, n int) error {
	for i := 0; i < n; i++ {
		m.bytes[dest.Add(uintptr(i))] = b
	}
	return nil
}
func (m *fakeMem) Strlen(p gptr.Ptr) (int, error) {
	n := 0
	for m.bytes[p.Add(uintptr(n))] != 0 {
		n++
	}
	return n, nil
}
func (m *fakeMem) Sbrk(gptr.Ptr) (gptr.Ptr, error)                               { return 0, nil }
func (m *fakeMem) Mmap(gptr.Ptr, uintptr, int, int, int, int64) (gptr.Ptr, error) { return 0, nil }
func (m *fakeMem) Mprotect(gptr.Ptr, uintptr, int) error                         { return nil }
func (m *fakeMem) Munmap(gptr.Ptr, uintptr) error                                { return nil }
func (m *fakeMem) Mremap(gptr.Ptr, uintptr, uintptr, int, gptr.Ptr) (gptr.Ptr, error) {
	return 0, nil
}
func (m *fakeMem) Mappings() []gptr.Mapping { return nil }
func (m *fakeMem) Base() gptr.Ptr           { return 0 }
func (m *fakeMem) IsFlat() bool             { return true }

var _ gptr.MemoryView = (*fakeMem)(nil)

func TestAMD64NameToOffset(t *testing.T) {
	s := newAMD64State(1)
	off, err := s.NameToOffset("rax")
	if err != nil {
		t.Fatalf("NameToOffset(rax): %v", err)
	}
	if off != amd64Offsets["rax"] {
		t.Errorf("offset = %d, want %d", off, amd64Offsets["rax"])
	}
	if _, err := s.NameToOffset("not_a_register"); err == nil {
		t.Error("NameToOffset(bogus) succeeded, want error")
	}
}

func TestAMD64BreakpointSetAndUndo(t *testing.T) {
	mem := newFakeMem()
	addr := gptr.Ptr(0x4000)
	mem.bytes[addr] = 0x90 // nop

	s := newAMD64State(1)
	s.loaded = true
	s.regs().Rip = uint64(addr) + 1 // as if the trap just fired

	displaced, err := s.SetBreakpoint(mem, addr)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if len(displaced) != 1 || displaced[0] != 0x90 {
		t.Fatalf("displaced = %v, want [0x90]", displaced)
	}
	if mem.bytes[addr] != int3Opcode {
		t.Fatalf("trap byte = %#x, want %#x", mem.bytes[addr], int3Opcode)
	}

	undone, err := s.UndoBreakpoint(mem)
	if err != nil {
		t.Fatalf("UndoBreakpoint: %v", err)
	}
	if undone != addr {
		t.Errorf("UndoBreakpoint returned %s, want %s", undone, addr)
	}
	if mem.bytes[addr] != 0x90 {
		t.Errorf("restored byte = %#x, want 0x90", mem.bytes[addr])
	}
	if s.regs().Rip != uint64(addr) {
		t.Errorf("Rip after undo = %#x, want %#x (rewound by trap length)", s.regs().Rip, addr)
	}

	// idempotent: no pending breakpoint left.
	second, err := s.UndoBreakpoint(mem)
	if err != nil || second != 0 {
		t.Errorf("second UndoBreakpoint = (%s, %v), want (0, nil)", second, err)
	}
}

func TestAMD64IsSyscallOp(t *testing.T) {
	s := newAMD64State(1)
	if !s.IsSyscallOp(0, 0x050f) {
		t.Error("IsSyscallOp did not recognize syscall opcode 0f 05")
	}
	if !s.IsSyscallOp(0, 0x80cd) {
		t.Error("IsSyscallOp did not recognize int 0x80 opcode cd 80")
	}
	if s.IsSyscallOp(0, 0x9090) {
		t.Error("IsSyscallOp recognized two nops as a syscall")
	}
}

func TestAMD64GetSetPCAndStack(t *testing.T) {
	s := newAMD64State(1)
	s.SetPC(0x401000)
	if s.GetPC() != 0x401000 {
		t.Errorf("GetPC() = %s, want 0x401000", s.GetPC())
	}
	s.SetStackPtr(0x7ffee0)
	if s.GetStackPtr() != 0x7ffee0 {
		t.Errorf("GetStackPtr() = %s, want 0x7ffee0", s.GetStackPtr())
	}
}

func TestAMD64NopSyscallNr(t *testing.T) {
	s := newAMD64State(1)
	if s.NopSyscallNr() != sysGetpidAMD64 {
		t.Errorf("NopSyscallNr() = %d, want %d", s.NopSyscallNr(), sysGetpidAMD64)
	}
}
