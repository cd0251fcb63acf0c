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

// Package platform defines what the machine-independent kernel requires
// of the hardware: physical frames, address spaces, the per-core
// one-shot timer and the TSS. Implementations live in subpackages; the
// kernel proper never touches hardware registers directly.
package platform

import (
	"vesper.dev/vesper/pkg/usermem"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// MapFlags control a page mapping.
type MapFlags struct {
	// Writable allows stores through the mapping.
	Writable bool

	// User allows ring-3 access.
	User bool
}

// Memory is the higher-half view of physical RAM: every physical frame
// is addressable by the kernel without an explicit mapping.
type Memory interface {
	// Slice returns the n bytes of physical memory starting at addr.
	// The slice aliases RAM; writes are immediately visible to every
	// address space mapping the frame.
	Slice(addr PhysAddr, n uint64) []byte

	// Size returns the total amount of physical memory.
	Size() uint64
}

// FrameAllocator hands out 4 KiB physical frames. Frames are not
// guaranteed to be zeroed.
type FrameAllocator interface {
	// AllocFrame allocates one frame.
	AllocFrame() (PhysAddr, error)

	// AllocFrames allocates n physically contiguous frames and
	// returns the address of the first.
	AllocFrames(n uint64) (PhysAddr, error)

	// FreeFrames releases n contiguous frames starting at addr.
	FreeFrames(addr PhysAddr, n uint64)
}

// AddressSpace is one task's userspace page table.
type AddressSpace interface {
	// MapPage establishes virt -> phys for one page. virt must be
	// page-aligned.
	MapPage(virt usermem.Addr, phys PhysAddr, flags MapFlags) error

	// Translate returns the physical address backing virt, walking
	// the mapping for virt's page and applying the page offset.
	Translate(virt usermem.Addr) (PhysAddr, bool)

	// CopyUserspace deep-copies every user mapping of src into this
	// address space, backed by freshly allocated frames.
	CopyUserspace(src AddressSpace) error

	// Activate makes this the active address space on the calling
	// CPU (the CR3 switch).
	Activate()

	// SetTLSBase records the FS segment base applied on activation.
	SetTLSBase(addr uint64)

	// Release returns all frames owned by the address space to the
	// allocator.
	Release()
}

// Timer is the per-core LAPIC one-shot timer.
type Timer interface {
	// Arm schedules the next timer interrupt in ms milliseconds,
	// replacing any previously armed one-shot.
	Arm(ms uint64)

	// Remaining returns the milliseconds left until the armed
	// interrupt fires.
	Remaining() uint64

	// EOI signals end-of-interrupt.
	EOI()
}

// TSS is the task-state segment. The only field the kernel cares about
// is the IST stack used when the current task enters ring 0.
type TSS interface {
	// SetSyscallStack points the IST entry at the top of the given
	// kernel stack.
	SetSyscallStack(top uint64)

	// SyscallStack returns the currently programmed stack top.
	SyscallStack() uint64
}

// SMPEntry describes one CPU in the boot handoff. Writing TargetStack
// and GotoAddress kicks an application core out of its boot spin.
type SMPEntry struct {
	LAPICID     uint32
	TargetStack uint64
	GotoAddress uint64
}

// Platform aggregates the per-machine factories the kernel boots from.
type Platform interface {
	Memory() Memory
	Frames() FrameAllocator
	NewAddressSpace() (AddressSpace, error)
	NewTimer() Timer
	NewTSS() TSS

	// SMP returns the boot handoff's CPU table. Entry 0 is the BSP.
	SMP() []*SMPEntry
}
