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

// Package elf holds the System V x86_64 ELF64 structures and constants
// the loader consumes.
package elf

import "encoding/binary"

// Magic is the four identification bytes at the start of every ELF
// file.
var Magic = [4]byte{0x7f, 'E', 'L', 'F'}

// Object file types.
const (
	TypeExecutable = 2 // ET_EXEC
	TypeShared     = 3 // ET_DYN
)

// Program header types.
const (
	ProgramTypeLoad        = 1 // PT_LOAD
	ProgramTypeInterpreter = 3 // PT_INTERP
	ProgramTypeHeaderTable = 6 // PT_PHDR
)

// Auxiliary vector entry tags.
const (
	AuxNull        = 0 // AT_NULL
	AuxHeaderTable = 3 // AT_PHDR
	AuxHeaderSize  = 4 // AT_PHENT
	AuxHeaderCount = 5 // AT_PHNUM
	AuxEntry       = 9 // AT_ENTRY
)

// HeaderSize is the size of the ELF64 file header.
const HeaderSize = 64

// ProgramHeaderSize is the size of one ELF64 program header.
const ProgramHeaderSize = 56

// Header mirrors the ELF64 file header.
type Header struct {
	Ident                  [16]byte
	Type                   uint16
	Machine                uint16
	Version                uint32
	Entry                  uint64
	ProgramHeaderOffset    uint64
	SectionHeaderOffset    uint64
	Flags                  uint32
	HeaderSize             uint16
	ProgramHeaderEntrySize uint16
	ProgramHeaderCount     uint16
	SectionHeaderEntrySize uint16
	SectionHeaderCount     uint16
	SectionNameIndex       uint16
}

// HasMagic reports whether the identification bytes are valid.
func (h *Header) HasMagic() bool {
	return [4]byte(h.Ident[:4]) == Magic
}

// UnmarshalBytes decodes the header from b, which must hold HeaderSize
// bytes.
func (h *Header) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	copy(h.Ident[:], b[0:16])
	h.Type = le.Uint16(b[16:])
	h.Machine = le.Uint16(b[18:])
	h.Version = le.Uint32(b[20:])
	h.Entry = le.Uint64(b[24:])
	h.ProgramHeaderOffset = le.Uint64(b[32:])
	h.SectionHeaderOffset = le.Uint64(b[40:])
	h.Flags = le.Uint32(b[48:])
	h.HeaderSize = le.Uint16(b[52:])
	h.ProgramHeaderEntrySize = le.Uint16(b[54:])
	h.ProgramHeaderCount = le.Uint16(b[56:])
	h.SectionHeaderEntrySize = le.Uint16(b[58:])
	h.SectionHeaderCount = le.Uint16(b[60:])
	h.SectionNameIndex = le.Uint16(b[62:])
}

// MarshalBytes encodes the header into b. Used by tests that assemble
// images.
func (h *Header) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	copy(b[0:16], h.Ident[:])
	le.PutUint16(b[16:], h.Type)
	le.PutUint16(b[18:], h.Machine)
	le.PutUint32(b[20:], h.Version)
	le.PutUint64(b[24:], h.Entry)
	le.PutUint64(b[32:], h.ProgramHeaderOffset)
	le.PutUint64(b[40:], h.SectionHeaderOffset)
	le.PutUint32(b[48:], h.Flags)
	le.PutUint16(b[52:], h.HeaderSize)
	le.PutUint16(b[54:], h.ProgramHeaderEntrySize)
	le.PutUint16(b[56:], h.ProgramHeaderCount)
	le.PutUint16(b[58:], h.SectionHeaderEntrySize)
	le.PutUint16(b[60:], h.SectionHeaderCount)
	le.PutUint16(b[62:], h.SectionNameIndex)
}

// ProgramHeader mirrors one ELF64 program header.
type ProgramHeader struct {
	Type         uint32
	Flags        uint32
	OffsetInFile uint64
	VirtAddr     uint64
	PhysAddr     uint64
	SizeInFile   uint64
	SizeInMemory uint64
	Alignment    uint64
}

// UnmarshalBytes decodes the program header from b.
func (p *ProgramHeader) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	p.Type = le.Uint32(b[0:])
	p.Flags = le.Uint32(b[4:])
	p.OffsetInFile = le.Uint64(b[8:])
	p.VirtAddr = le.Uint64(b[16:])
	p.PhysAddr = le.Uint64(b[24:])
	p.SizeInFile = le.Uint64(b[32:])
	p.SizeInMemory = le.Uint64(b[40:])
	p.Alignment = le.Uint64(b[48:])
}

// MarshalBytes encodes the program header into b.
func (p *ProgramHeader) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], p.Type)
	le.PutUint32(b[4:], p.Flags)
	le.PutUint64(b[8:], p.OffsetInFile)
	le.PutUint64(b[16:], p.VirtAddr)
	le.PutUint64(b[24:], p.PhysAddr)
	le.PutUint64(b[32:], p.SizeInFile)
	le.PutUint64(b[40:], p.SizeInMemory)
	le.PutUint64(b[48:], p.Alignment)
}
