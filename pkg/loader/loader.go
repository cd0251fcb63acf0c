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

// Package loader materializes a task's address space from an ELF
// executable: Load segments, dynamic-linker interpreter chaining, and
// the System V initial stack with the auxiliary vector.
package loader

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"vesper.dev/vesper/pkg/abi/elf"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
	"vesper.dev/vesper/pkg/vfs"
)

// InterpreterBase is the fixed bias added to every virtual address of
// a Shared object, placing the dynamic linker out of the executable's
// way.
const InterpreterBase = 0x4000_0000

// UserStackBase is the virtual address just above the initial user
// stack.
const UserStackBase = 0x0000_8000_0000_0000 - 0x1000

// UserStackSize is the initial stack allocation.
const UserStackSize = 0x2000

type loader struct {
	vfs    *vfs.VirtualFilesystem
	mem    platform.Memory
	frames platform.FrameAllocator
	as     platform.AddressSpace
}

// Load maps the ELF at path (and its interpreter, if any) into as and
// returns the initial instruction and stack pointers.
func Load(vfsObj *vfs.VirtualFilesystem, mem platform.Memory, frames platform.FrameAllocator, as platform.AddressSpace, path string) (entry, stackPtr uint64, err error) {
	l := &loader{vfs: vfsObj, mem: mem, frames: frames, as: as}
	if err := l.load(path, &entry, &stackPtr); err != nil {
		return 0, 0, fmt.Errorf("loading %q: %w", path, err)
	}
	return entry, stackPtr, nil
}

// load is the recursive worker; the interpreter case re-enters it.
func (l *loader) load(path string, entry, stackPtr *uint64) error {
	file, err := l.vfs.Resolve(path)
	if err != nil {
		return err
	}

	var hdrRaw [elf.HeaderSize]byte
	if err := l.readFull(file, hdrRaw[:], 0); err != nil {
		return err
	}
	var hdr elf.Header
	hdr.UnmarshalBytes(hdrRaw[:])

	if !hdr.HasMagic() {
		return fmt.Errorf("bad ELF magic: %w", kernerr.InvalidFormat)
	}
	if hdr.ProgramHeaderEntrySize != elf.ProgramHeaderSize {
		return fmt.Errorf("program header entry size %d: %w", hdr.ProgramHeaderEntrySize, kernerr.InvalidFormat)
	}
	if hdr.Type != elf.TypeExecutable && hdr.Type != elf.TypeShared {
		return fmt.Errorf("object type %d is not loadable: %w", hdr.Type, kernerr.InvalidFormat)
	}

	phdrRaw := make([]byte, int(hdr.ProgramHeaderCount)*elf.ProgramHeaderSize)
	if err := l.readFull(file, phdrRaw, hdr.ProgramHeaderOffset); err != nil {
		return err
	}

	dynamic := false
	var phdrTableAddr uint64
	for i := 0; i < int(hdr.ProgramHeaderCount); i++ {
		var ph elf.ProgramHeader
		ph.UnmarshalBytes(phdrRaw[i*elf.ProgramHeaderSize:])

		switch ph.Type {
		case elf.ProgramTypeLoad:
			if err := l.loadSegment(file, &hdr, &ph); err != nil {
				return err
			}
		case elf.ProgramTypeHeaderTable:
			phdrTableAddr = ph.VirtAddr
		case elf.ProgramTypeInterpreter:
			interp := make([]byte, ph.SizeInFile)
			if err := l.readFull(file, interp, ph.OffsetInFile); err != nil {
				return err
			}
			if err := l.load(strings.TrimRight(string(interp), "\x00"), entry, stackPtr); err != nil {
				return err
			}
			dynamic = true
		}
	}

	if hdr.Type == elf.TypeShared {
		*entry = InterpreterBase + hdr.Entry
		return nil
	}

	// Executable: build the initial stack.
	if err := l.mapStack(); err != nil {
		return err
	}
	if dynamic {
		rsp, err := l.pushStartFrame(&hdr, phdrTableAddr)
		if err != nil {
			return err
		}
		*stackPtr = rsp
	} else {
		*entry = hdr.Entry
		*stackPtr = UserStackBase
	}
	return nil
}

// readFull reads exactly len(b) bytes from file at off.
func (l *loader) readFull(file *vfs.Vnode, b []byte, off uint64) error {
	n, err := file.Filesystem.Read(context.Background(), file, b, off)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short read at %d (%d of %d bytes): %w", off, n, len(b), kernerr.InvalidFormat)
	}
	return nil
}

// loadSegment maps one Load segment: fresh zeroed frames covering the
// in-memory size, file contents copied up to the in-file size.
func (l *loader) loadSegment(file *vfs.Vnode, hdr *elf.Header, ph *elf.ProgramHeader) error {
	if ph.SizeInMemory == 0 {
		return nil
	}
	base := ph.VirtAddr
	if hdr.Type == elf.TypeShared {
		base += InterpreterBase
	}

	segStart := usermem.Addr(base)
	pageCount := usermem.PagesSpanned(segStart, ph.SizeInMemory)
	fileEnd := base + ph.SizeInFile

	for page := uint64(0); page < pageCount; page++ {
		pageAddr := segStart.RoundDown() + usermem.Addr(page*usermem.PageSize)

		phys, err := l.frames.AllocFrame()
		if err != nil {
			return err
		}
		if err := l.as.MapPage(pageAddr, phys, platform.MapFlags{Writable: true, User: true}); err != nil {
			return err
		}
		window := l.mem.Slice(phys, usermem.PageSize)
		clear(window)

		// Intersect the page with the segment's file image.
		start := uint64(pageAddr)
		if start < base {
			start = base
		}
		end := uint64(pageAddr) + usermem.PageSize
		if end > fileEnd {
			end = fileEnd
		}
		if start >= end {
			continue
		}
		dst := window[start-uint64(pageAddr) : end-uint64(pageAddr)]
		if err := l.readFull(file, dst, ph.OffsetInFile+(start-base)); err != nil {
			return err
		}
	}
	return nil
}

// mapStack allocates and maps the initial user stack below
// UserStackBase.
func (l *loader) mapStack() error {
	low := usermem.Addr(UserStackBase - UserStackSize)
	for page := uint64(0); page < UserStackSize/usermem.PageSize; page++ {
		phys, err := l.frames.AllocFrame()
		if err != nil {
			return err
		}
		addr := low + usermem.Addr(page*usermem.PageSize)
		if err := l.as.MapPage(addr, phys, platform.MapFlags{Writable: true, User: true}); err != nil {
			return err
		}
		clear(l.mem.Slice(phys, usermem.PageSize))
	}
	return nil
}

// pushStartFrame writes the System V start frame for a dynamically
// linked executable: argc, argv, envp and the auxiliary vector the
// interpreter needs to find the real program.
func (l *loader) pushStartFrame(hdr *elf.Header, phdrTableAddr uint64) (uint64, error) {
	// In memory order, from the final RSP upwards.
	words := []uint64{
		0, // argc
		0, // argv terminator
		0, // envp terminator
		elf.AuxEntry, hdr.Entry,
		elf.AuxHeaderCount, uint64(hdr.ProgramHeaderCount),
		elf.AuxHeaderSize, uint64(hdr.ProgramHeaderEntrySize),
		elf.AuxHeaderTable, phdrTableAddr,
		elf.AuxNull, 0,
	}

	rsp := uint64(UserStackBase) - uint64(8*len(words))
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	if err := platform.CopyOut(l.mem, l.as, usermem.Addr(rsp), buf); err != nil {
		return 0, err
	}
	return rsp, nil
}
