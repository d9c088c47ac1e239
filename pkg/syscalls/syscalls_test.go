package syscalls

import (
	"runtime"
	"testing"

	"github.com/vxguest/guestctl/pkg/abi"
	"github.com/vxguest/guestctl/pkg/cpustate"
	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guest"
)

// memStub is a minimal gptr.MemoryView whose flatness/base/Sbrk behavior
// is configurable per test, standing in for a live memory bridge.
type memStub struct {
	flat    bool
	base    gptr.Ptr
	sbrkTop gptr.Ptr
	sbrkErr error
}

func (m *memStub) Read8(gptr.Ptr) (uint8, error)   { return 0, nil }
func (m *memStub) Read16(gptr.Ptr) (uint16, error) { return 0, nil }
func (m *memStub) Read32(gptr.Ptr) (uint32, error) { return 0, nil }
func (m *memStub) Read64(gptr.Ptr) (uint64, error) { return 0, nil }
func (m *memStub) Write8(gptr.Ptr, uint8) error    { return nil }
func (m *memStub) Write16(gptr.Ptr, uint16) error  { return nil }
func (m *memStub) Write32(gptr.Ptr, uint32) error  { return nil }
func (m *memStub) Write64(gptr.Ptr, uint64) error  { return nil }
func (m *memStub) CopyIn(gptr.Ptr, []byte) error    { return nil }
func (m *memStub) CopyOut([]byte, gptr.Ptr) error   { return nil }
func (m *memStub) Memset(gptr.Ptr, byte, int) error { return nil }
func (m *memStub) Strlen(gptr.Ptr) (int, error)     { return 0, nil }
func (m *memStub) Sbrk(gptr.Ptr) (gptr.Ptr, error)  { return m.sbrkTop, m.sbrkErr }
func (m *memStub) Mmap(gptr.Ptr, uintptr, int, int, int, int64) (gptr.Ptr, error) {
	return 0, nil
}
func (m *memStub) Mprotect(gptr.Ptr, uintptr, int) error { return nil }
func (m *memStub) Munmap(gptr.Ptr, uintptr) error        { return nil }
func (m *memStub) Mremap(gptr.Ptr, uintptr, uintptr, int, gptr.Ptr) (gptr.Ptr, error) {
	return 0, nil
}
func (m *memStub) Mappings() []gptr.Mapping { return nil }
func (m *memStub) Base() gptr.Ptr           { return m.base }
func (m *memStub) IsFlat() bool             { return m.flat }

var _ gptr.MemoryView = (*memStub)(nil)

func newTestMediator(t *testing.T, a cpustate.Arch, mem *memStub, opts Options) *Mediator {
	t.Helper()
	state, err := cpustate.New(a, 0)
	if err != nil {
		t.Fatalf("cpustate.New: %v", err)
	}
	threads := []*guest.Thread{{Tid: 1, State: state}}
	var adapter *abi.Adapter
	switch a {
	case cpustate.X86_64:
		adapter = abi.NewAMD64Adapter()
	case cpustate.I386:
		adapter = abi.NewI386Adapter(false)
	default:
		adapter = abi.NewAMD64Adapter()
	}
	g := guest.New(a, "/bin/example", mem, adapter, threads)
	return New(g, opts)
}

func TestTranslateX86_64IsIdentity(t *testing.T) {
	if got := translate(cpustate.X86_64, 42); got != 42 {
		t.Errorf("translate(X86_64, 42) = %d, want 42 (identity)", got)
	}
}

func TestTranslateI386KnownAndUnknown(t *testing.T) {
	if got := translate(cpustate.I386, 90); got != canonMmap {
		t.Errorf("translate(I386, 90) = %d, want canonMmap", got)
	}
	if got := translate(cpustate.I386, 999999); got != -1 {
		t.Errorf("translate(I386, unknown) = %d, want -1", got)
	}
}

func TestTranslateARMKnown(t *testing.T) {
	if got := translate(cpustate.ARM, 45); got != canonBrk {
		t.Errorf("translate(ARM, 45) = %d, want canonBrk", got)
	}
}

func TestDetectHostArchMatchesRuntimeGOARCH(t *testing.T) {
	want := cpustate.X86_64
	switch runtime.GOARCH {
	case "386":
		want = cpustate.I386
	case "arm":
		want = cpustate.ARM
	}
	if got := detectHostArch(); got != want {
		t.Errorf("detectHostArch() = %s, want %s for GOARCH=%s", got, want, runtime.GOARCH)
	}
}

func TestPassthroughEligibleFlatSameArchNullBase(t *testing.T) {
	mem := &memStub{flat: true, base: 0}
	m := newTestMediator(t, cpustate.X86_64, mem, Options{})
	m.hostArch = cpustate.X86_64
	if !m.passthroughEligible() {
		t.Error("passthroughEligible() = false, want true for flat/same-arch/null-base guest")
	}
}

func TestPassthroughEligibleFalseWhenBridgedMemory(t *testing.T) {
	mem := &memStub{flat: false, base: 0}
	m := newTestMediator(t, cpustate.X86_64, mem, Options{})
	m.hostArch = cpustate.X86_64
	if m.passthroughEligible() {
		t.Error("passthroughEligible() = true, want false for non-flat memory view")
	}
}

func TestPassthroughEligibleFalseWhenForced(t *testing.T) {
	mem := &memStub{flat: true, base: 0}
	m := newTestMediator(t, cpustate.X86_64, mem, Options{ForceXlateSyscalls: true})
	m.hostArch = cpustate.X86_64
	if m.passthroughEligible() {
		t.Error("passthroughEligible() = true, want false when ForceXlateSyscalls is set")
	}
}

func TestPassthroughEligibleFalseWhenArchMismatch(t *testing.T) {
	mem := &memStub{flat: true, base: 0}
	m := newTestMediator(t, cpustate.I386, mem, Options{})
	m.hostArch = cpustate.X86_64
	if m.passthroughEligible() {
		t.Error("passthroughEligible() = true, want false when guest arch differs from host arch")
	}
}

func TestInterceptCloseGuardsLowFds(t *testing.T) {
	m := newTestMediator(t, cpustate.X86_64, &memStub{}, Options{})

	res, intercepted, err := m.intercept(canonClose, cpustate.SyscallParams{Args: [7]uint64{1}})
	if err != nil || !intercepted || res != 0 {
		t.Fatalf("intercept(close, fd=1) = (%d, %v, %v), want (0, true, nil)", res, intercepted, err)
	}

	_, intercepted, err = m.intercept(canonClose, cpustate.SyscallParams{Args: [7]uint64{5}})
	if err != nil || intercepted {
		t.Fatalf("intercept(close, fd=5) intercepted=%v, want false", intercepted)
	}
}

func TestInterceptExitMarksGuestExited(t *testing.T) {
	m := newTestMediator(t, cpustate.X86_64, &memStub{}, Options{})

	res, intercepted, err := m.intercept(canonExit, cpustate.SyscallParams{Args: [7]uint64{42}})
	if err != nil || !intercepted || res != 42 {
		t.Fatalf("intercept(exit, 42) = (%d, %v, %v), want (42, true, nil)", res, intercepted, err)
	}
	if !m.g.IsExited() || m.g.ExitCode() != 42 {
		t.Errorf("guest exited=%v code=%d, want exited=true code=42", m.g.IsExited(), m.g.ExitCode())
	}
}

func TestInterceptBrkDelegatesToMemSbrk(t *testing.T) {
	mem := &memStub{sbrkTop: 0x500000}
	m := newTestMediator(t, cpustate.X86_64, mem, Options{})

	res, intercepted, err := m.intercept(canonBrk, cpustate.SyscallParams{Args: [7]uint64{0x500000}})
	if err != nil || !intercepted || res != 0x500000 {
		t.Fatalf("intercept(brk) = (%#x, %v, %v), want (0x500000, true, nil)", res, intercepted, err)
	}
}

func TestInterceptRtSigactionIsNoOp(t *testing.T) {
	m := newTestMediator(t, cpustate.X86_64, &memStub{}, Options{})

	res, intercepted, err := m.intercept(canonRtSigaction, cpustate.SyscallParams{})
	if err != nil || !intercepted || res != 0 {
		t.Fatalf("intercept(rt_sigaction) = (%d, %v, %v), want (0, true, nil)", res, intercepted, err)
	}
}

func TestInterceptUnknownSyscallPassesThrough(t *testing.T) {
	m := newTestMediator(t, cpustate.X86_64, &memStub{}, Options{})

	_, intercepted, err := m.intercept(canonRead, cpustate.SyscallParams{})
	if err != nil || intercepted {
		t.Fatalf("intercept(read) intercepted=%v err=%v, want (false, nil)", intercepted, err)
	}
}

func TestRecordTrimsToMaxSCTrace(t *testing.T) {
	m := newTestMediator(t, cpustate.X86_64, &memStub{}, Options{})
	for i := 0; i < maxSCTrace+10; i++ {
		m.record(int64(i), [7]uint64{}, 0, false)
	}
	trace := m.Trace()
	if len(trace) != maxSCTrace {
		t.Fatalf("len(Trace()) = %d, want %d", len(trace), maxSCTrace)
	}
	if trace[0].Nr != 10 {
		t.Errorf("oldest retained entry Nr = %d, want 10 (FIFO trimmed the first 10)", trace[0].Nr)
	}
	if trace[len(trace)-1].Nr != int64(maxSCTrace+9) {
		t.Errorf("newest entry Nr = %d, want %d", trace[len(trace)-1].Nr, maxSCTrace+9)
	}
}
