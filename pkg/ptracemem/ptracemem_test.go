package ptracemem

import (
	"errors"
	"testing"

	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// fakeDispatcher records the last syscall it was asked to dispatch and
// returns a canned result, standing in for a live cpustate.State.
type fakeDispatcher struct {
	arch      cpustate.Arch
	lastCall  cpustate.SyscallParams
	result    uint64
	returnErr error
}

func (f *fakeDispatcher) Arch() cpustate.Arch { return f.arch }
func (f *fakeDispatcher) DispatchSyscall(p cpustate.SyscallParams) (uint64, error) {
	f.lastCall = p
	return f.result, f.returnErr
}

func TestMmapAppendsMappingAndUsesArchSyscallNumber(t *testing.T) {
	disp := &fakeDispatcher{arch: cpustate.X86_64, result: 0x7f0000}
	b := New(1234, disp)

	res, err := b.Mmap(0, 0x1000, int(gptr.ProtRead), 0, -1, 0)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if res != 0x7f0000 {
		t.Errorf("Mmap result = %s, want 0x7f0000", res)
	}
	if disp.lastCall.Nr != 9 {
		t.Errorf("dispatched syscall nr = %d, want 9 (x86-64 mmap)", disp.lastCall.Nr)
	}
	mappings := b.Mappings()
	if len(mappings) != 1 || mappings[0].Base != res || mappings[0].Backing != gptr.BackingAnon {
		t.Errorf("Mappings() = %+v, want one anon mapping at %s", mappings, res)
	}
}

func TestMmapI386UsesMmap2PageOffset(t *testing.T) {
	disp := &fakeDispatcher{arch: cpustate.I386, result: 0x8000000}
	b := New(1, disp)

	if _, err := b.Mmap(0, 0x1000, 0, 0, 3, 0x3000); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if disp.lastCall.Nr != 192 {
		t.Errorf("dispatched syscall nr = %d, want 192 (i386 mmap2)", disp.lastCall.Nr)
	}
	wantOffset := uint64(0x3000) >> 12
	if disp.lastCall.Args[5] != wantOffset {
		t.Errorf("mmap2 offset arg = %d, want %d (page units)", disp.lastCall.Args[5], wantOffset)
	}
	mappings := b.Mappings()
	if mappings[0].Backing != gptr.BackingFile {
		t.Error("fd >= 0 mapping recorded as anon, want file-backed")
	}
}

func TestMprotectUpdatesExistingMapping(t *testing.T) {
	disp := &fakeDispatcher{arch: cpustate.X86_64}
	b := New(1, disp)
	b.mappings = []gptr.Mapping{{Base: 0x1000, Length: 0x1000, Prot: gptr.ProtRead}}

	if err := b.Mprotect(0x1000, 0x1000, int(gptr.ProtRead|gptr.ProtWrite)); err != nil {
		t.Fatalf("Mprotect: %v", err)
	}
	if b.mappings[0].Prot != gptr.ProtRead|gptr.ProtWrite {
		t.Errorf("Prot after Mprotect = %v, want read|write", b.mappings[0].Prot)
	}
	if disp.lastCall.Nr != 10 {
		t.Errorf("dispatched syscall nr = %d, want 10 (x86-64 mprotect)", disp.lastCall.Nr)
	}
}

func TestMunmapRemovesMapping(t *testing.T) {
	disp := &fakeDispatcher{arch: cpustate.X86_64}
	b := New(1, disp)
	b.mappings = []gptr.Mapping{
		{Base: 0x1000, Length: 0x1000},
		{Base: 0x2000, Length: 0x1000},
	}

	if err := b.Munmap(0x1000, 0x1000); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
	if len(b.mappings) != 1 || b.mappings[0].Base != 0x2000 {
		t.Errorf("Mappings after Munmap = %+v, want only base 0x2000 left", b.mappings)
	}
}

func TestSbrkAndMremapAreUnsupported(t *testing.T) {
	b := New(1, &fakeDispatcher{arch: cpustate.X86_64})
	if _, err := b.Sbrk(0x1000); !errors.Is(err, guesterr.Unsupported) {
		t.Errorf("Sbrk err = %v, want guesterr.Unsupported", err)
	}
	if _, err := b.Mremap(0, 0, 0, 0, 0); !errors.Is(err, guesterr.Unsupported) {
		t.Errorf("Mremap err = %v, want guesterr.Unsupported", err)
	}
}

func TestCheckAlignedRejectsMisalignedAccess(t *testing.T) {
	if err := checkAligned(0x1001, 4); !errors.Is(err, guesterr.TraceFailed) {
		t.Errorf("checkAligned(misaligned) = %v, want guesterr.TraceFailed", err)
	}
	if err := checkAligned(0x1000, 4); err != nil {
		t.Errorf("checkAligned(aligned) = %v, want nil", err)
	}
}

func TestImportDeepCopiesMappings(t *testing.T) {
	src := []gptr.Mapping{{Base: 0x1000, Length: 0x1000, Name: "heap"}}
	b := New(1, &fakeDispatcher{arch: cpustate.X86_64})
	b.Import(Snapshot{Base: 0x400000, Mappings: src})

	if b.Base() != 0x400000 {
		t.Errorf("Base() = %s, want 0x400000", b.Base())
	}
	b.Mappings()[0].Name = "mutated"
	if src[0].Name != "heap" {
		t.Error("Import aliased the source mapping slice; mutation leaked back to src")
	}
}

func TestIsFlatIsFalse(t *testing.T) {
	b := New(1, &fakeDispatcher{arch: cpustate.X86_64})
	if b.IsFlat() {
		t.Error("Bridge.IsFlat() = true, want false (trace-primitive bridge is never flat)")
	}
}
