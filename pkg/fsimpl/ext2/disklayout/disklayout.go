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

// Package disklayout provides the on-disk structures of the ext2
// filesystem. All structures are little-endian and bit-compatible with
// a standard ext2 image; Marshal/Unmarshal work on explicit byte
// offsets so Go struct padding can never leak onto disk.
package disklayout

// SbOffset is the byte offset of the superblock from the start of the
// device.
const SbOffset = 1024

// Magic is the ext2 superblock signature.
const Magic = 0xef53

// RootDirInode is the inode number of the root directory. Inode
// numbers start at 1.
const RootDirInode = 2

// StateClean is the filesystem state after a clean unmount.
const StateClean = 1

// DirectBlocksCount is the number of direct block pointers in an
// inode; pointers 12, 13 and 14 are the single, double and triple
// indirect blocks.
const (
	DirectBlocksCount   = 12
	SingleIndirectBlock = 12
	DoubleIndirectBlock = 13
	TripleIndirectBlock = 14
	BlockPtrsPerInode   = 15
)

// InodeSize is the size of the on-disk inode structure this
// implementation reads and writes. Revision 1 images may use larger
// records; the tail past 128 bytes is preserved untouched.
const InodeSize = 128

// Incompatible feature flags. An image with an unknown incompatible
// feature set must not be mounted.
const (
	// IncompatFiletype: directory entries carry a file type byte.
	IncompatFiletype = 0x0002

	// SupportedIncompat is the set of incompatible features this
	// implementation understands.
	SupportedIncompat = IncompatFiletype
)

// Inode mode type bits.
const (
	ModeTypeMask  = 0xf000
	ModeCharDev   = 0x2000
	ModeDirectory = 0x4000
	ModeRegular   = 0x8000
	ModeSymlink   = 0xa000
)

// Directory entry file type byte values.
const (
	FileTypeUnknown = 0
	FileTypeRegular = 1
	FileTypeDir     = 2
	FileTypeCharDev = 3
	FileTypeSymlink = 7
)
