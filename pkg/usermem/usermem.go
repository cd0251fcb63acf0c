// Copyright 2026 The Vesper Authors.
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

// Package usermem defines userspace virtual address types and page
// arithmetic shared by the paging, loader and syscall layers.
package usermem

// PageSize is the only page size the kernel maps.
const (
	PageSize  = 0x1000
	PageShift = 12
	PageMask  = PageSize - 1
)

// Addr is a userspace virtual address.
type Addr uint64

// RoundDown returns the address of the page containing a.
func (a Addr) RoundDown() Addr {
	return a &^ PageMask
}

// RoundUp returns the start of the first page after a, unless a is
// already page-aligned. ok is false on overflow.
func (a Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(a+PageMask) &^ PageMask
	return addr, addr >= a
}

// PageOffset returns a's offset within its page.
func (a Addr) PageOffset() uint64 {
	return uint64(a & PageMask)
}

// AddLength returns a+length, with ok false on overflow.
func (a Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = a + Addr(length)
	return end, end >= a
}

// PagesSpanned returns the number of pages covered by the byte range
// [a, a+length). length must be > 0.
func PagesSpanned(a Addr, length uint64) uint64 {
	return (uint64(a)+length-1)/PageSize - uint64(a)/PageSize + 1
}
