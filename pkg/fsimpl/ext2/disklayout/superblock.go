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

// SbSize is the number of superblock bytes Marshal/Unmarshal cover.
// The on-disk record is padded to 1024 bytes; the tail is preserved by
// read-modify-write.
const SbSize = 236

// SuperBlock mirrors the ext2 superblock.
type SuperBlock struct {
	InodesCount        uint32
	BlocksCount        uint32
	ReservedBlocks     uint32
	FreeBlocksCount    uint32
	FreeInodesCount    uint32
	FirstDataBlock     uint32
	BlockSizeLog2      uint32 // block size is 1024 << BlockSizeLog2
	FragmentSizeLog2   uint32
	BlocksPerGroup     uint32
	FragmentsPerGroup  uint32
	InodesPerGroup     uint32
	LastMountTime      uint32
	LastWrittenTime    uint32
	MountCount         uint16
	MaxMountCount      uint16
	Signature          uint16
	State              uint16
	ErrorPolicy        uint16
	MinorVersion       uint16
	LastCheckTime      uint32
	CheckInterval      uint32
	CreatorOS          uint32
	MajorVersion       uint32
	ReservedUID        uint16
	ReservedGID        uint16
	FirstInode         uint32
	InodeRecordSize    uint16
	SuperblockGroup    uint16
	FeatureCompat      uint32
	FeatureIncompat    uint32
	FeatureROCompat    uint32
	UUID               [16]byte
	VolumeName         [16]byte
	LastMountedPath    [64]byte
	Compression        uint32
	PreallocBlocks     uint8
	PreallocDirBlocks  uint8
	JournalUUID        [16]byte
	JournalInode       uint32
	JournalDevice      uint32
	OrphanInodeHead    uint32
}

// BlockSize returns the filesystem block size in bytes.
func (sb *SuperBlock) BlockSize() uint64 {
	return 1024 << sb.BlockSizeLog2
}

// BlockGroupsCount derives the number of block groups from the block
// counts.
func (sb *SuperBlock) BlockGroupsCount() uint32 {
	return (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// InodeSizeBytes returns the on-disk inode record size. Revision 0
// images do not store it and always use 128.
func (sb *SuperBlock) InodeSizeBytes() uint16 {
	if sb.MajorVersion == 0 || sb.InodeRecordSize == 0 {
		return InodeSize
	}
	return sb.InodeRecordSize
}

// UnmarshalBytes decodes the superblock from b. b must hold at least
// SbSize bytes.
func (sb *SuperBlock) UnmarshalBytes(b []byte) {
	le := binary.LittleEndian
	sb.InodesCount = le.Uint32(b[0:])
	sb.BlocksCount = le.Uint32(b[4:])
	sb.ReservedBlocks = le.Uint32(b[8:])
	sb.FreeBlocksCount = le.Uint32(b[12:])
	sb.FreeInodesCount = le.Uint32(b[16:])
	sb.FirstDataBlock = le.Uint32(b[20:])
	sb.BlockSizeLog2 = le.Uint32(b[24:])
	sb.FragmentSizeLog2 = le.Uint32(b[28:])
	sb.BlocksPerGroup = le.Uint32(b[32:])
	sb.FragmentsPerGroup = le.Uint32(b[36:])
	sb.InodesPerGroup = le.Uint32(b[40:])
	sb.LastMountTime = le.Uint32(b[44:])
	sb.LastWrittenTime = le.Uint32(b[48:])
	sb.MountCount = le.Uint16(b[52:])
	sb.MaxMountCount = le.Uint16(b[54:])
	sb.Signature = le.Uint16(b[56:])
	sb.State = le.Uint16(b[58:])
	sb.ErrorPolicy = le.Uint16(b[60:])
	sb.MinorVersion = le.Uint16(b[62:])
	sb.LastCheckTime = le.Uint32(b[64:])
	sb.CheckInterval = le.Uint32(b[68:])
	sb.CreatorOS = le.Uint32(b[72:])
	sb.MajorVersion = le.Uint32(b[76:])
	sb.ReservedUID = le.Uint16(b[80:])
	sb.ReservedGID = le.Uint16(b[82:])
	sb.FirstInode = le.Uint32(b[84:])
	sb.InodeRecordSize = le.Uint16(b[88:])
	sb.SuperblockGroup = le.Uint16(b[90:])
	sb.FeatureCompat = le.Uint32(b[92:])
	sb.FeatureIncompat = le.Uint32(b[96:])
	sb.FeatureROCompat = le.Uint32(b[100:])
	copy(sb.UUID[:], b[104:120])
	copy(sb.VolumeName[:], b[120:136])
	copy(sb.LastMountedPath[:], b[136:200])
	sb.Compression = le.Uint32(b[200:])
	sb.PreallocBlocks = b[204]
	sb.PreallocDirBlocks = b[205]
	copy(sb.JournalUUID[:], b[208:224])
	sb.JournalInode = le.Uint32(b[224:])
	sb.JournalDevice = le.Uint32(b[228:])
	sb.OrphanInodeHead = le.Uint32(b[232:])
}

// MarshalBytes encodes the superblock into b, which must hold at least
// SbSize bytes.
func (sb *SuperBlock) MarshalBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], sb.InodesCount)
	le.PutUint32(b[4:], sb.BlocksCount)
	le.PutUint32(b[8:], sb.ReservedBlocks)
	le.PutUint32(b[12:], sb.FreeBlocksCount)
	le.PutUint32(b[16:], sb.FreeInodesCount)
	le.PutUint32(b[20:], sb.FirstDataBlock)
	le.PutUint32(b[24:], sb.BlockSizeLog2)
	le.PutUint32(b[28:], sb.FragmentSizeLog2)
	le.PutUint32(b[32:], sb.BlocksPerGroup)
	le.PutUint32(b[36:], sb.FragmentsPerGroup)
	le.PutUint32(b[40:], sb.InodesPerGroup)
	le.PutUint32(b[44:], sb.LastMountTime)
	le.PutUint32(b[48:], sb.LastWrittenTime)
	le.PutUint16(b[52:], sb.MountCount)
	le.PutUint16(b[54:], sb.MaxMountCount)
	le.PutUint16(b[56:], sb.Signature)
	le.PutUint16(b[58:], sb.State)
	le.PutUint16(b[60:], sb.ErrorPolicy)
	le.PutUint16(b[62:], sb.MinorVersion)
	le.PutUint32(b[64:], sb.LastCheckTime)
	le.PutUint32(b[68:], sb.CheckInterval)
	le.PutUint32(b[72:], sb.CreatorOS)
	le.PutUint32(b[76:], sb.MajorVersion)
	le.PutUint16(b[80:], sb.ReservedUID)
	le.PutUint16(b[82:], sb.ReservedGID)
	le.PutUint32(b[84:], sb.FirstInode)
	le.PutUint16(b[88:], sb.InodeRecordSize)
	le.PutUint16(b[90:], sb.SuperblockGroup)
	le.PutUint32(b[92:], sb.FeatureCompat)
	le.PutUint32(b[96:], sb.FeatureIncompat)
	le.PutUint32(b[100:], sb.FeatureROCompat)
	copy(b[104:120], sb.UUID[:])
	copy(b[120:136], sb.VolumeName[:])
	copy(b[136:200], sb.LastMountedPath[:])
	le.PutUint32(b[200:], sb.Compression)
	b[204] = sb.PreallocBlocks
	b[205] = sb.PreallocDirBlocks
	b[206], b[207] = 0, 0
	copy(b[208:224], sb.JournalUUID[:])
	le.PutUint32(b[224:], sb.JournalInode)
	le.PutUint32(b[228:], sb.JournalDevice)
	le.PutUint32(b[232:], sb.OrphanInodeHead)
}
