package gptr

import "testing"

func TestPtrArithmetic(t *testing.T) {
	p := Ptr(0x1000)
	if got := p.Add(0x10); got != Ptr(0x1010) {
		t.Errorf("Add: got %s, want 0x1010", got)
	}
	if got := p.Sub(0x10); got != Ptr(0xff0) {
		t.Errorf("Sub: got %s, want 0xff0", got)
	}
	if got := p.Diff(Ptr(0xf00)); got != 0x100 {
		t.Errorf("Diff: got %d, want 256", got)
	}
}

func TestPtrIsZero(t *testing.T) {
	if !Ptr(0).IsZero() {
		t.Error("Ptr(0).IsZero() = false, want true")
	}
	if Ptr(1).IsZero() {
		t.Error("Ptr(1).IsZero() = true, want false")
	}
}

func TestAlign(t *testing.T) {
	cases := []struct {
		p          Ptr
		align      uintptr
		wantDown   Ptr
		wantUp     Ptr
	}{
		{0x1000, 0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x1000, 0x2000},
		{0x1fff, 0x1000, 0x1000, 0x2000},
	}
	for _, c := range cases {
		if got := c.p.AlignDown(c.align); got != c.wantDown {
			t.Errorf("%s.AlignDown(%#x) = %s, want %s", c.p, c.align, got, c.wantDown)
		}
		if got := c.p.AlignUp(c.align); got != c.wantUp {
			t.Errorf("%s.AlignUp(%#x) = %s, want %s", c.p, c.align, got, c.wantUp)
		}
	}
}

func TestMappingContainsAndEnd(t *testing.T) {
	m := Mapping{Base: 0x1000, Length: 0x1000}
	if m.End() != 0x2000 {
		t.Errorf("End() = %s, want 0x2000", m.End())
	}
	if !m.Contains(0x1500) {
		t.Error("Contains(0x1500) = false, want true")
	}
	if m.Contains(0x2000) {
		t.Error("Contains(0x2000) = true, want false (exclusive end)")
	}
	if m.Contains(0xfff) {
		t.Error("Contains(0xfff) = true, want false")
	}
}

func TestBackingKindString(t *testing.T) {
	if BackingFile.String() != "file" {
		t.Errorf("BackingFile.String() = %q, want %q", BackingFile.String(), "file")
	}
	if BackingAnon.String() != "anon" {
		t.Errorf("BackingAnon.String() = %q, want %q", BackingAnon.String(), "anon")
	}
}
