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

// Package hostsim implements the platform interfaces in host memory.
// Physical RAM is a byte slice, page tables are maps, and the LAPIC
// timer is a manually advanced clock, so every timer computation in the
// kernel is deterministic under test.
package hostsim

import (
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
)

// Machine is a simulated host: RAM, a frame allocator and the boot CPU
// table.
type Machine struct {
	mem    []byte
	frames *frameAllocator
	smp    []*platform.SMPEntry

	mu     sync.Mutex
	active *addressSpace
}

// New returns a machine with the given amount of RAM and CPU count.
// memBytes is rounded down to a whole number of pages.
func New(memBytes uint64, cpus int) *Machine {
	pages := memBytes / usermem.PageSize
	m := &Machine{
		mem: make([]byte, pages*usermem.PageSize),
	}
	m.frames = &frameAllocator{used: make([]bool, pages)}
	for i := 0; i < cpus; i++ {
		m.smp = append(m.smp, &platform.SMPEntry{LAPICID: uint32(i)})
	}
	return m
}

// Memory implements platform.Platform.Memory.
func (m *Machine) Memory() platform.Memory { return (*memory)(m) }

// Frames implements platform.Platform.Frames.
func (m *Machine) Frames() platform.FrameAllocator { return m.frames }

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (m *Machine) NewAddressSpace() (platform.AddressSpace, error) {
	return &addressSpace{m: m, pages: make(map[usermem.Addr]mapping)}, nil
}

// NewTimer implements platform.Platform.NewTimer.
func (m *Machine) NewTimer() platform.Timer { return &Timer{} }

// NewTSS implements platform.Platform.NewTSS.
func (m *Machine) NewTSS() platform.TSS { return &tss{} }

// SMP implements platform.Platform.SMP.
func (m *Machine) SMP() []*platform.SMPEntry { return m.smp }

// Active returns the most recently activated address space. Test hook.
func (m *Machine) Active() platform.AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active
}

type memory Machine

// Slice implements platform.Memory.Slice.
func (m *memory) Slice(addr platform.PhysAddr, n uint64) []byte {
	return m.mem[addr : uint64(addr)+n]
}

// Size implements platform.Memory.Size.
func (m *memory) Size() uint64 { return uint64(len(m.mem)) }

type frameAllocator struct {
	mu   sync.Mutex
	used []bool
}

// AllocFrame implements platform.FrameAllocator.AllocFrame.
func (f *frameAllocator) AllocFrame() (platform.PhysAddr, error) {
	return f.AllocFrames(1)
}

// AllocFrames implements platform.FrameAllocator.AllocFrames.
func (f *frameAllocator) AllocFrames(n uint64) (platform.PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run := uint64(0)
	for i := range f.used {
		if f.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := uint64(i) + 1 - n
			for j := start; j <= uint64(i); j++ {
				f.used[j] = true
			}
			return platform.PhysAddr(start * usermem.PageSize), nil
		}
	}
	return 0, kernerr.OutOfMemory
}

// FreeFrames implements platform.FrameAllocator.FreeFrames.
func (f *frameAllocator) FreeFrames(addr platform.PhysAddr, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := uint64(addr) / usermem.PageSize
	for i := start; i < start+n; i++ {
		f.used[i] = false
	}
}

type mapping struct {
	phys  platform.PhysAddr
	flags platform.MapFlags
}

type addressSpace struct {
	m *Machine

	mu      sync.Mutex
	pages   map[usermem.Addr]mapping
	tlsBase uint64
}

// MapPage implements platform.AddressSpace.MapPage.
func (as *addressSpace) MapPage(virt usermem.Addr, phys platform.PhysAddr, flags platform.MapFlags) error {
	if virt.PageOffset() != 0 {
		return kernerr.InvalidArgument
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pages[virt] = mapping{phys: phys, flags: flags}
	return nil
}

// Translate implements platform.AddressSpace.Translate.
func (as *addressSpace) Translate(virt usermem.Addr) (platform.PhysAddr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	mp, ok := as.pages[virt.RoundDown()]
	if !ok {
		return 0, false
	}
	return mp.phys + platform.PhysAddr(virt.PageOffset()), true
}

// CopyUserspace implements platform.AddressSpace.CopyUserspace.
func (as *addressSpace) CopyUserspace(src platform.AddressSpace) error {
	s, ok := src.(*addressSpace)
	if !ok {
		return kernerr.InvalidArgument
	}

	s.mu.Lock()
	srcPages := make(map[usermem.Addr]mapping, len(s.pages))
	for v, mp := range s.pages {
		srcPages[v] = mp
	}
	s.mu.Unlock()

	for virt, mp := range srcPages {
		if !mp.flags.User {
			continue
		}
		phys, err := as.m.frames.AllocFrame()
		if err != nil {
			return err
		}
		copy(as.m.mem[phys:phys+usermem.PageSize], as.m.mem[mp.phys:mp.phys+usermem.PageSize])
		if err := as.MapPage(virt, phys, mp.flags); err != nil {
			return err
		}
	}
	return nil
}

// Activate implements platform.AddressSpace.Activate.
func (as *addressSpace) Activate() {
	as.m.mu.Lock()
	as.m.active = as
	as.m.mu.Unlock()
}

// SetTLSBase implements platform.AddressSpace.SetTLSBase.
func (as *addressSpace) SetTLSBase(addr uint64) {
	as.mu.Lock()
	as.tlsBase = addr
	as.mu.Unlock()
}

// TLSBase returns the recorded FS base. Test hook.
func (as *addressSpace) TLSBase() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tlsBase
}

// Release implements platform.AddressSpace.Release.
func (as *addressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, mp := range as.pages {
		as.m.frames.FreeFrames(mp.phys, 1)
	}
	as.pages = make(map[usermem.Addr]mapping)
}

// Timer is a simulated LAPIC one-shot. Time passes only through
// Advance.
type Timer struct {
	mu        sync.Mutex
	armed     uint64
	remaining uint64
	eois      uint64
}

// Arm implements platform.Timer.Arm.
func (t *Timer) Arm(ms uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = ms
	t.remaining = ms
}

// Remaining implements platform.Timer.Remaining.
func (t *Timer) Remaining() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// EOI implements platform.Timer.EOI.
func (t *Timer) EOI() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eois++
}

// Advance moves simulated time forward by ms milliseconds.
func (t *Timer) Advance(ms uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ms > t.remaining {
		t.remaining = 0
		return
	}
	t.remaining -= ms
}

// Armed returns the last one-shot duration programmed. Test hook.
func (t *Timer) Armed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

type tss struct {
	mu  sync.Mutex
	top uint64
}

// SetSyscallStack implements platform.TSS.SetSyscallStack.
func (t *tss) SetSyscallStack(top uint64) {
	t.mu.Lock()
	t.top = top
	t.mu.Unlock()
}

// SyscallStack implements platform.TSS.SyscallStack.
func (t *tss) SyscallStack() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top
}
