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

// Package symtab keeps the two structures the acquisition path and the
// syscall mediator query constantly: symbols by exact name, and symbols
// by the address range they occupy.
package symtab

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/elfsym"
	"github.com/vxguest/guestctl/pkg/gptr"
)

// degree is the btree.New fan-out. 32 keeps the tree shallow for the
// symbol counts a single binary's tables produce (a few thousand at
// most) without the rebalancing cost a small degree would pay.
const degree = 32

// bySymbol is held once per Symbol, keyed by Symbol.Addr, so the tree's Less can
// order entries by base address — the comparison btree.BTree needs.
type bySymbol elfsym.Symbol

func (b bySymbol) Less(than btree.Item) bool {
	return b.Addr < than.(bySymbol).Addr
}

// ErrDuplicateSymbol is returned by Add when a name already exists.
var ErrDuplicateSymbol = errors.New("symtab: duplicate symbol name")

// Index is the symbol table: an exact name lookup and an address-range
// lookup kept consistent with each other.
type Index struct {
	byName map[string]elfsym.Symbol
	byAddr *btree.BTree
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		byName: make(map[string]elfsym.Symbol),
		byAddr: btree.New(degree),
	}
}

// Add records sym. Duplicate names are rejected; the address index is
// left untouched when that happens.
func (idx *Index) Add(sym elfsym.Symbol) error {
	if _, exists := idx.byName[sym.Name]; exists {
		return errors.Wrapf(ErrDuplicateSymbol, "%q", sym.Name)
	}
	idx.byName[sym.Name] = sym
	idx.byAddr.ReplaceOrInsert(bySymbol(sym))
	return nil
}

// FindByName returns the symbol named name, if any.
func (idx *Index) FindByName(name string) (elfsym.Symbol, bool) {
	sym, ok := idx.byName[name]
	return sym, ok
}

// FindByAddress returns the symbol whose [Addr, Addr+Length) range
// contains p, if any. Implemented as a predecessor search over the
// address-ordered btree: the candidate is the symbol with the largest
// base address not exceeding p.
func (idx *Index) FindByAddress(p gptr.Ptr) (elfsym.Symbol, bool) {
	var found elfsym.Symbol
	var ok bool
	pivot := bySymbol{Addr: p}
	idx.byAddr.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		cand := elfsym.Symbol(item.(bySymbol))
		if p >= cand.Addr && p < cand.Addr.Add(uintptr(cand.Length)) {
			found, ok = cand, true
		}
		return false // only the first (nearest) candidate matters
	})
	return found, ok
}

// Len returns the number of distinct symbols recorded.
func (idx *Index) Len() int { return len(idx.byName) }

// All returns every recorded symbol, in no particular order.
func (idx *Index) All() []elfsym.Symbol {
	out := make([]elfsym.Symbol, 0, len(idx.byName))
	for _, sym := range idx.byName {
		out = append(out, sym)
	}
	return out
}

// Merge copies every symbol from src into idx. Names that already exist
// in idx are skipped rather than erroring, so merging two indexes never
// requires their namespaces to be disjoint.
func (idx *Index) Merge(src *Index) {
	for _, sym := range src.byName {
		if _, exists := idx.byName[sym.Name]; exists {
			continue
		}
		idx.byName[sym.Name] = sym
		idx.byAddr.ReplaceOrInsert(bySymbol(sym))
	}
}
