package cpustate

import (
	"testing"

	"github.com/vxguest/guestctl/pkg/gptr"
)

func TestI386BreakpointSetAndUndo(t *testing.T) {
	mem := newFakeMem()
	addr := gptr.Ptr(0x8048000)
	mem.bytes[addr] = 0x55 // push ebp

	s := newI386State(1)
	s.loaded = true
	s.regs().Eip = uint32(addr) + 1

	if _, err := s.SetBreakpoint(mem, addr); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if mem.bytes[addr] != int3Opcode {
		t.Fatalf("trap byte = %#x, want %#x", mem.bytes[addr], int3Opcode)
	}

	undone, err := s.UndoBreakpoint(mem)
	if err != nil {
		t.Fatalf("UndoBreakpoint: %v", err)
	}
	if undone != addr {
		t.Errorf("UndoBreakpoint = %s, want %s", undone, addr)
	}
	if mem.bytes[addr] != 0x55 {
		t.Errorf("restored byte = %#x, want 0x55", mem.bytes[addr])
	}
	if s.regs().Eip != uint32(addr) {
		t.Errorf("Eip after undo = %#x, want %#x", s.regs().Eip, addr)
	}
}

func TestI386IsSyscallOp(t *testing.T) {
	s := newI386State(1)
	if !s.IsSyscallOp(0, 0x80cd) {
		t.Error("IsSyscallOp did not recognize int 0x80")
	}
	if s.IsSyscallOp(0, 0x050f) {
		t.Error("IsSyscallOp recognized x86-64 syscall opcode on i386")
	}
}

func TestI386NameToOffset(t *testing.T) {
	s := newI386State(1)
	if _, err := s.NameToOffset("ebx"); err != nil {
		t.Fatalf("NameToOffset(ebx): %v", err)
	}
	if _, err := s.NameToOffset("rax"); err == nil {
		t.Error("NameToOffset(rax) succeeded on i386, want error")
	}
}
