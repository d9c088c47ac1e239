package symtab

import (
	"testing"

	"github.com/vxguest/guestctl/pkg/elfsym"
	"github.com/vxguest/guestctl/pkg/gptr"
)

func TestAddAndFindByName(t *testing.T) {
	idx := New()
	sym := elfsym.Symbol{Name: "main", Addr: 0x1000, Length: 0x20, IsCode: true}
	if err := idx.Add(sym); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := idx.FindByName("main")
	if !ok {
		t.Fatal("FindByName(main) not found")
	}
	if got != sym {
		t.Errorf("FindByName(main) = %+v, want %+v", got, sym)
	}
	if _, ok := idx.FindByName("nope"); ok {
		t.Error("FindByName(nope) found, want not found")
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	idx := New()
	sym := elfsym.Symbol{Name: "dup", Addr: 0x1000, Length: 0x10}
	if err := idx.Add(sym); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := idx.Add(elfsym.Symbol{Name: "dup", Addr: 0x2000, Length: 0x10})
	if err == nil {
		t.Fatal("second Add succeeded, want ErrDuplicateSymbol")
	}
}

func TestFindByAddress(t *testing.T) {
	idx := New()
	must := func(s elfsym.Symbol) {
		if err := idx.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.Name, err)
		}
	}
	must(elfsym.Symbol{Name: "a", Addr: 0x1000, Length: 0x100})
	must(elfsym.Symbol{Name: "b", Addr: 0x2000, Length: 0x50})
	must(elfsym.Symbol{Name: "c", Addr: 0x3000, Length: 0x10})

	cases := []struct {
		p        gptr.Ptr
		wantName string
		wantOK   bool
	}{
		{0x1000, "a", true},
		{0x1080, "a", true},
		{0x10ff, "a", true},
		{0x1100, "", false}, // exactly past a's range, before b
		{0x2030, "b", true},
		{0x3005, "c", true},
		{0x500, "", false},
	}
	for _, c := range cases {
		sym, ok := idx.FindByAddress(c.p)
		if ok != c.wantOK {
			t.Errorf("FindByAddress(%s) ok = %v, want %v", c.p, ok, c.wantOK)
			continue
		}
		if ok && sym.Name != c.wantName {
			t.Errorf("FindByAddress(%s).Name = %q, want %q", c.p, sym.Name, c.wantName)
		}
	}
}

func TestLenAndAll(t *testing.T) {
	idx := New()
	idx.Add(elfsym.Symbol{Name: "x", Addr: 1})
	idx.Add(elfsym.Symbol{Name: "y", Addr: 2})
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", idx.Len())
	}
	all := idx.All()
	if len(all) != 2 {
		t.Errorf("All() len = %d, want 2", len(all))
	}
}

func TestMerge(t *testing.T) {
	dst := New()
	dst.Add(elfsym.Symbol{Name: "shared", Addr: 0x10})
	src := New()
	src.Add(elfsym.Symbol{Name: "shared", Addr: 0x99}) // should be skipped
	src.Add(elfsym.Symbol{Name: "new", Addr: 0x20})

	dst.Merge(src)

	if dst.Len() != 2 {
		t.Fatalf("Len() after merge = %d, want 2", dst.Len())
	}
	shared, _ := dst.FindByName("shared")
	if shared.Addr != 0x10 {
		t.Errorf("merge overwrote existing symbol: Addr = %s, want 0x10", shared.Addr)
	}
	if _, ok := dst.FindByName("new"); !ok {
		t.Error("merge did not copy new symbol")
	}
}
