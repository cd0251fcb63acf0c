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

package kernel

import (
	"sync"

	"github.com/google/btree"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/usermem"
)

// Default bounds of the task-private mapping region, away from both
// ELF load addresses and the initial stack.
const (
	userAllocBase usermem.Addr = 0x2000_0000_0000
	userAllocTop  usermem.Addr = 0x7000_0000_0000
)

// userRange is one allocated virtual range, ordered by base address.
type userRange struct {
	base usermem.Addr
	size uint64
}

func (r userRange) end() usermem.Addr {
	return r.base + usermem.Addr(r.size)
}

func userRangeLess(a, b userRange) bool {
	return a.base < b.base
}

// UserAllocator hands out page-aligned userspace virtual ranges for a
// single task (FileMap and friends). It tracks allocated ranges in an
// ordered tree and places new ones first-fit.
type UserAllocator struct {
	mu     sync.Mutex
	lo, hi usermem.Addr
	ranges *btree.BTreeG[userRange]
}

// NewUserAllocator returns an allocator over the default mapping
// region.
func NewUserAllocator() *UserAllocator {
	return &UserAllocator{
		lo:     userAllocBase,
		hi:     userAllocTop,
		ranges: btree.NewG(8, userRangeLess),
	}
}

// Allocate reserves size bytes (rounded up to whole pages) at the
// lowest free address and returns it.
func (a *UserAllocator) Allocate(size uint64) (usermem.Addr, error) {
	if size == 0 {
		return 0, kernerr.InvalidArgument
	}
	size = (size + usermem.PageMask) &^ usermem.PageMask

	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.lo
	ok := true
	a.ranges.Ascend(func(r userRange) bool {
		if candidate+usermem.Addr(size) <= r.base {
			return false
		}
		candidate = r.end()
		return true
	})
	if candidate+usermem.Addr(size) > a.hi {
		ok = false
	}
	if !ok {
		return 0, kernerr.OutOfMemory
	}
	a.ranges.ReplaceOrInsert(userRange{base: candidate, size: size})
	return candidate, nil
}

// AllocateAt reserves size bytes (rounded to whole pages) at the given
// page-aligned hint, failing on overlap with an existing range.
func (a *UserAllocator) AllocateAt(base usermem.Addr, size uint64) error {
	if size == 0 || base.PageOffset() != 0 {
		return kernerr.InvalidArgument
	}
	size = (size + usermem.PageMask) &^ usermem.PageMask
	want := userRange{base: base, size: size}

	a.mu.Lock()
	defer a.mu.Unlock()

	overlap := false
	a.ranges.AscendGreaterOrEqual(userRange{base: base.RoundDown()}, func(r userRange) bool {
		overlap = r.base < want.end()
		return false
	})
	a.ranges.DescendLessOrEqual(userRange{base: base}, func(r userRange) bool {
		if r.end() > base {
			overlap = true
		}
		return false
	})
	if overlap {
		return kernerr.InvalidArgument
	}
	a.ranges.ReplaceOrInsert(want)
	return nil
}

// Clone deep-copies the allocator for fork.
func (a *UserAllocator) Clone() *UserAllocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &UserAllocator{
		lo:     a.lo,
		hi:     a.hi,
		ranges: a.ranges.Clone(),
	}
}
