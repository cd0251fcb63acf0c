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

// DirentHeaderSize is the fixed part of a directory entry, before the
// name bytes.
const DirentHeaderSize = 8

// Dirent mirrors one ext2 directory entry: the fixed header plus the
// name. Entries are laid out at RecordLength strides; an entry with
// inode 0 is a free slot. The name length is the low byte only (the
// file type byte feature is required at mount).
type Dirent struct {
	Inode        uint32
	RecordLength uint16
	NameLength   uint8
	FileType     uint8
	Name         string
}

// RecordSize returns the minimum record length for a name of length n:
// the header plus the name, rounded up to a 4-byte boundary.
func RecordSize(n int) uint16 {
	return uint16((DirentHeaderSize + n + 3) &^ 3)
}

// UnmarshalBytes decodes the entry header and name from b, which must
// span at least the full record.
func (d *Dirent) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	d.Inode = le.Uint32(b[0:])
	d.RecordLength = le.Uint16(b[4:])
	d.NameLength = b[6]
	d.FileType = b[7]
	d.Name = string(b[DirentHeaderSize : DirentHeaderSize+int(d.NameLength)])
}

// MarshalBytes encodes the entry into b, which must hold at least
// DirentHeaderSize+len(Name) bytes.
func (d *Dirent) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], d.Inode)
	le.PutUint16(b[4:], d.RecordLength)
	b[6] = d.NameLength
	b[7] = d.FileType
	copy(b[DirentHeaderSize:], d.Name)
}
