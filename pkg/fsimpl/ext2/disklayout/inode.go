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

package disklayout

import "encoding/binary"

// Inode mirrors the 128-byte ext2 inode record.
type Inode struct {
	Mode        uint16
	UID         uint16
	SizeLo      uint32
	AccessTime  uint32
	ChangeTime  uint32
	ModifyTime  uint32
	DeleteTime  uint32
	GID         uint16
	LinksCount  uint16
	SectorCount uint32
	Flags       uint32
	OSD1        uint32
	Block       [BlockPtrsPerInode]uint32
	Generation  uint32
	FileACL     uint32
	DirACL      uint32
	FragAddr    uint32
	OSD2        [12]byte
}

// Type returns the mode's type bits.
func (in *Inode) Type() uint16 {
	return in.Mode & ModeTypeMask
}

// IsRegular reports whether the inode is a regular file.
func (in *Inode) IsRegular() bool { return in.Type() == ModeRegular }

// IsDirectory reports whether the inode is a directory.
func (in *Inode) IsDirectory() bool { return in.Type() == ModeDirectory }

// IsSymlink reports whether the inode is a symbolic link.
func (in *Inode) IsSymlink() bool { return in.Type() == ModeSymlink }

// UnmarshalBytes decodes the inode from b.
func (in *Inode) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	in.Mode = le.Uint16(b[0:])
	in.UID = le.Uint16(b[2:])
	in.SizeLo = le.Uint32(b[4:])
	in.AccessTime = le.Uint32(b[8:])
	in.ChangeTime = le.Uint32(b[12:])
	in.ModifyTime = le.Uint32(b[16:])
	in.DeleteTime = le.Uint32(b[20:])
	in.GID = le.Uint16(b[24:])
	in.LinksCount = le.Uint16(b[26:])
	in.SectorCount = le.Uint32(b[28:])
	in.Flags = le.Uint32(b[32:])
	in.OSD1 = le.Uint32(b[36:])
	for i := range in.Block {
		in.Block[i] = le.Uint32(b[40+4*i:])
	}
	in.Generation = le.Uint32(b[100:])
	in.FileACL = le.Uint32(b[104:])
	in.DirACL = le.Uint32(b[108:])
	in.FragAddr = le.Uint32(b[112:])
	copy(in.OSD2[:], b[116:128])
}

// MarshalBytes encodes the inode into b.
func (in *Inode) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], in.Mode)
	le.PutUint16(b[2:], in.UID)
	le.PutUint32(b[4:], in.SizeLo)
	le.PutUint32(b[8:], in.AccessTime)
	le.PutUint32(b[12:], in.ChangeTime)
	le.PutUint32(b[16:], in.ModifyTime)
	le.PutUint32(b[20:], in.DeleteTime)
	le.PutUint16(b[24:], in.GID)
	le.PutUint16(b[26:], in.LinksCount)
	le.PutUint32(b[28:], in.SectorCount)
	le.PutUint32(b[32:], in.Flags)
	le.PutUint32(b[36:], in.OSD1)
	for i := range in.Block {
		le.PutUint32(b[40+4*i:], in.Block[i])
	}
	le.PutUint32(b[100:], in.Generation)
	le.PutUint32(b[104:], in.FileACL)
	le.PutUint32(b[108:], in.DirACL)
	le.PutUint32(b[112:], in.FragAddr)
	copy(b[116:128], in.OSD2[:])
}
