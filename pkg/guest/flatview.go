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
	"github.com/pkg/errors"

	"github.com/vxguest/guestctl/pkg/gptr"
	"github.com/vxguest/guestctl/pkg/guesterr"
)

// flatView is an in-memory, non-live MemoryView: every mapping's bytes
// were dumped at Save time and live in a plain Go slice. A Guest rebuilt
// by Load gets one of these instead of a ptracemem.Bridge, since there
// is no traced pid to peek and poke anymore — only the snapshot of what
// that pid's memory held.
type flatView struct {
	base     gptr.Ptr
	mappings []gptr.Mapping
	data     map[gptr.Ptr][]byte // keyed by Mapping.Base
}

func newFlatView(base gptr.Ptr, mappings []gptr.Mapping, data map[gptr.Ptr][]byte) *flatView {
	return &flatView{base: base, mappings: mappings, data: data}
}

func (v *flatView) find(p gptr.Ptr, width uintptr) ([]byte, int, error) {
	for _, m := range v.mappings {
		if m.Contains(p) {
			buf := v.data[m.Base]
			off := int(p.Diff(m.Base))
			if off+int(width) > len(buf) {
				return nil, 0, errors.Wrapf(guesterr.TraceFailed, "flatview: read past end of mapping at %s", p)
			}
			return buf, off, nil
		}
	}
	return nil, 0, errors.Wrapf(guesterr.TraceFailed, "flatview: %s not in any saved mapping", p)
}

func (v *flatView) Read8(p gptr.Ptr) (uint8, error) {
	buf, off, err := v.find(p, 1)
	if err != nil {
		return 0, err
	}
	return buf[off], nil
}

func (v *flatView) Read16(p gptr.Ptr) (uint16, error) {
	buf, off, err := v.find(p, 2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[off]) | uint16(buf[off+1])<<8, nil
}

func (v *flatView) Read32(p gptr.Ptr) (uint32, error) {
	buf, off, err := v.find(p, 4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24, nil
}

func (v *flatView) Read64(p gptr.Ptr) (uint64, error) {
	buf, off, err := v.find(p, 8)
	if err != nil {
		return 0, err
	}
	var r uint64
	for i := 7; i >= 0; i-- {
		r = r<<8 | uint64(buf[off+i])
	}
	return r, nil
}

func (v *flatView) Write8(p gptr.Ptr, val uint8) error {
	buf, off, err := v.find(p, 1)
	if err != nil {
		return err
	}
	buf[off] = val
	return nil
}

func (v *flatView) Write16(p gptr.Ptr, val uint16) error {
	buf, off, err := v.find(p, 2)
	if err != nil {
		return err
	}
	buf[off], buf[off+1] = byte(val), byte(val>>8)
	return nil
}

func (v *flatView) Write32(p gptr.Ptr, val uint32) error {
	buf, off, err := v.find(p, 4)
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(val >> (8 * i))
	}
	return nil
}

func (v *flatView) Write64(p gptr.Ptr, val uint64) error {
	buf, off, err := v.find(p, 8)
	if err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(val >> (8 * i))
	}
	return nil
}

func (v *flatView) CopyIn(dest gptr.Ptr, src []byte) error {
	for i, b := range src {
		if err := v.Write8(dest.Add(uintptr(i)), b); err != nil {
			return err
		}
	}
	return nil
}

func (v *flatView) CopyOut(dst []byte, src gptr.Ptr) error {
	for i := range dst {
		b, err := v.Read8(src.Add(uintptr(i)))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}

func (v *flatView) Memset(dest gptr.Ptr, fill byte, n int) error {
	for i := 0; i < n; i++ {
		if err := v.Write8(dest.Add(uintptr(i)), fill); err != nil {
			return err
		}
	}
	return nil
}

func (v *flatView) Strlen(p gptr.Ptr) (int, error) {
	for i := 0; ; i++ {
		b, err := v.Read8(p.Add(uintptr(i)))
		if err != nil {
			return 0, err
		}
		if b == 0 {
			return i, nil
		}
	}
}

func (v *flatView) Sbrk(gptr.Ptr) (gptr.Ptr, error) { return 0, guesterr.Unsupported }
func (v *flatView) Mremap(gptr.Ptr, uintptr, uintptr, int, gptr.Ptr) (gptr.Ptr, error) {
	return 0, guesterr.Unsupported
}
func (v *flatView) Mmap(gptr.Ptr, uintptr, int, int, int, int64) (gptr.Ptr, error) {
	return 0, guesterr.Unsupported
}
func (v *flatView) Mprotect(gptr.Ptr, uintptr, int) error { return guesterr.Unsupported }
func (v *flatView) Munmap(gptr.Ptr, uintptr) error        { return guesterr.Unsupported }

func (v *flatView) Mappings() []gptr.Mapping { return v.mappings }
func (v *flatView) Base() gptr.Ptr           { return v.base }
func (v *flatView) IsFlat() bool             { return true }

var _ gptr.MemoryView = (*flatView)(nil)
