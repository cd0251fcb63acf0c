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

package ext2

import (
	"testing"

	"vesper.dev/vesper/pkg/blockdev"
	"vesper.dev/vesper/pkg/fsimpl/ext2/disklayout"
	"vesper.dev/vesper/pkg/vfs"
)

// Test image geometry: 1 KiB blocks, one block group.
const (
	imgBlockSize   = 1024
	imgBlocksCount = 2048
	imgInodesCount = 64

	imgBGDBlock       = 2
	imgBlockBitmapBlk = 3
	imgInodeBitmapBlk = 4
	imgInodeTableBlk  = 5
	imgRootDirDataBlk = 13
	imgReservedInodes = 10
)

// newTestImage builds a pristine empty ext2 image: superblock, one
// block group, bitmaps, inode table and a root directory holding only
// "." and "..".
func newTestImage(t *testing.T) *blockdev.Memory {
	t.Helper()
	img := make([]byte, imgBlocksCount*imgBlockSize)

	sb := disklayout.SuperBlock{
		InodesCount:     imgInodesCount,
		BlocksCount:     imgBlocksCount,
		FreeBlocksCount: (imgBlocksCount - 1) - (imgRootDirDataBlk),
		FreeInodesCount: imgInodesCount - imgReservedInodes,
		FirstDataBlock:  1,
		BlockSizeLog2:   0, // 1024 << 0
		BlocksPerGroup:  8192,
		InodesPerGroup:  imgInodesCount,
		Signature:       disklayout.Magic,
		State:           disklayout.StateClean,
		MajorVersion:    1,
		FirstInode:      imgReservedInodes + 1,
		InodeRecordSize: disklayout.InodeSize,
		FeatureIncompat: disklayout.IncompatFiletype,
	}
	sb.MarshalBytes(img[disklayout.SbOffset:])

	bg := disklayout.BlockGroup{
		BlockBitmapBlock: imgBlockBitmapBlk,
		InodeBitmapBlock: imgInodeBitmapBlk,
		InodeTableBlock:  imgInodeTableBlk,
		FreeBlocksCount:  uint16(sb.FreeBlocksCount),
		FreeInodesCount:  uint16(sb.FreeInodesCount),
		DirectoriesCount: 1,
	}
	bg.MarshalBytes(img[imgBGDBlock*imgBlockSize:])

	// Blocks 1..13 (superblock through the root directory's data
	// block) are in use; bit i covers block FirstDataBlock+i.
	blockBitmap := img[imgBlockBitmapBlk*imgBlockSize:]
	for blk := 1; blk <= imgRootDirDataBlk; blk++ {
		bit := blk - 1
		blockBitmap[bit/8] |= 1 << (bit % 8)
	}

	// Inodes 1..10 are reserved.
	inodeBitmap := img[imgInodeBitmapBlk*imgBlockSize:]
	for ino := 1; ino <= imgReservedInodes; ino++ {
		bit := ino - 1
		inodeBitmap[bit/8] |= 1 << (bit % 8)
	}

	root := disklayout.Inode{
		Mode:       disklayout.ModeDirectory | 0o755,
		SizeLo:     imgBlockSize,
		LinksCount: 2,
	}
	root.Block[0] = imgRootDirDataBlk
	rootOff := imgInodeTableBlk*imgBlockSize + (disklayout.RootDirInode-1)*disklayout.InodeSize
	root.MarshalBytes(img[rootOff:])

	dot := disklayout.Dirent{
		Inode:        disklayout.RootDirInode,
		RecordLength: disklayout.RecordSize(1),
		NameLength:   1,
		FileType:     disklayout.FileTypeDir,
		Name:         ".",
	}
	dirData := img[imgRootDirDataBlk*imgBlockSize:]
	dot.MarshalBytes(dirData)
	dotdot := disklayout.Dirent{
		Inode:        disklayout.RootDirInode,
		RecordLength: imgBlockSize - dot.RecordLength,
		NameLength:   2,
		FileType:     disklayout.FileTypeDir,
		Name:         "..",
	}
	dotdot.MarshalBytes(dirData[dot.RecordLength:])

	return blockdev.NewMemory(img)
}

// mountTestImage mounts a fresh test image.
func mountTestImage(t *testing.T) (*vfs.VirtualFilesystem, *Filesystem, *blockdev.Memory) {
	t.Helper()
	dev := newTestImage(t)
	return remount(t, dev)
}

// remount mounts dev under a fresh VFS and cache, as a reboot would.
func remount(t *testing.T, dev *blockdev.Memory) (*vfs.VirtualFilesystem, *Filesystem, *blockdev.Memory) {
	t.Helper()
	vfsObj := vfs.New()
	fs, err := NewFilesystem(dev, vfsObj.Cache())
	if err != nil {
		t.Fatalf("mounting test image: %v", err)
	}
	vfsObj.MountRoot(fs)
	return vfsObj, fs, dev
}
