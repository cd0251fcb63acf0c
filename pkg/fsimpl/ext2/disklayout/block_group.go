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

// BgSize is the size of one block group descriptor on disk.
const BgSize = 32

// BlockGroup mirrors one ext2 block group descriptor.
type BlockGroup struct {
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableBlock  uint32
	FreeBlocksCount  uint16
	FreeInodesCount  uint16
	DirectoriesCount uint16
}

// UnmarshalBytes decodes the descriptor from b.
func (bg *BlockGroup) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	bg.BlockBitmapBlock = le.Uint32(b[0:])
	bg.InodeBitmapBlock = le.Uint32(b[4:])
	bg.InodeTableBlock = le.Uint32(b[8:])
	bg.FreeBlocksCount = le.Uint16(b[12:])
	bg.FreeInodesCount = le.Uint16(b[14:])
	bg.DirectoriesCount = le.Uint16(b[16:])
}

// MarshalBytes encodes the descriptor into b. The reserved tail is
// zeroed.
func (bg *BlockGroup) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], bg.BlockBitmapBlock)
	le.PutUint32(b[4:], bg.InodeBitmapBlock)
	le.PutUint32(b[8:], bg.InodeTableBlock)
	le.PutUint16(b[12:], bg.FreeBlocksCount)
	le.PutUint16(b[14:], bg.FreeInodesCount)
	le.PutUint16(b[16:], bg.DirectoriesCount)
	clear(b[18:BgSize])
}
