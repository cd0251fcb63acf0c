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
	"fmt"

	"vesper.dev/vesper/pkg/errors/kernerr"
)

// findFirstClear returns the index of the first zero bit among the
// first n bits of bm, or -1.
func findFirstClear(bm []byte, n uint32) int32 {
	for i := uint32(0); i < n; i++ {
		if bm[i/8]&(1<<(i%8)) == 0 {
			return int32(i)
		}
	}
	return -1
}

func setBit(bm []byte, i uint32)   { bm[i/8] |= 1 << (i % 8) }
func clearBit(bm []byte, i uint32) { bm[i/8] &^= 1 << (i % 8) }

// readBitmap reads the bitmap stored in block blk.
func (fs *Filesystem) readBitmap(blk uint32) ([]byte, error) {
	bm := make([]byte, fs.blkSize)
	if _, err := fs.dev.ReadAt(bm, int64(uint64(blk)*fs.blkSize)); err != nil {
		return nil, fmt.Errorf("reading bitmap block %d: %w", blk, err)
	}
	return bm, nil
}

func (fs *Filesystem) writeBitmap(blk uint32, bm []byte) error {
	if _, err := fs.dev.WriteAt(bm, int64(uint64(blk)*fs.blkSize)); err != nil {
		return fmt.Errorf("writing bitmap block %d: %w", blk, err)
	}
	return nil
}

// allocBlock allocates one zeroed block, preferring the given group
// and falling back to the others in order.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) allocBlock(preferred uint32) (uint32, error) {
	groups := uint32(len(fs.bgs))
	for i := uint32(0); i < groups; i++ {
		g := (preferred + i) % groups
		if fs.bgs[g].FreeBlocksCount == 0 {
			continue
		}

		bm, err := fs.readBitmap(fs.bgs[g].BlockBitmapBlock)
		if err != nil {
			return 0, err
		}
		valid := fs.sb.BlocksPerGroup
		if total := fs.sb.BlocksCount - fs.sb.FirstDataBlock; g*fs.sb.BlocksPerGroup+valid > total {
			valid = total - g*fs.sb.BlocksPerGroup
		}
		bit := findFirstClear(bm, valid)
		if bit < 0 {
			continue
		}
		setBit(bm, uint32(bit))
		if err := fs.writeBitmap(fs.bgs[g].BlockBitmapBlock, bm); err != nil {
			return 0, err
		}
		fs.bgs[g].FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		if err := fs.writeBlockGroup(g); err != nil {
			return 0, err
		}
		if err := fs.writeSuperBlock(); err != nil {
			return 0, err
		}

		blk := fs.sb.FirstDataBlock + g*fs.sb.BlocksPerGroup + uint32(bit)
		if err := fs.zeroBlock(blk); err != nil {
			return 0, err
		}
		return blk, nil
	}
	return 0, fmt.Errorf("no free blocks: %w", kernerr.OutOfMemory)
}

// freeBlock returns blk to its group's bitmap.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) freeBlock(blk uint32) error {
	g := (blk - fs.sb.FirstDataBlock) / fs.sb.BlocksPerGroup
	bit := (blk - fs.sb.FirstDataBlock) % fs.sb.BlocksPerGroup

	bm, err := fs.readBitmap(fs.bgs[g].BlockBitmapBlock)
	if err != nil {
		return err
	}
	clearBit(bm, bit)
	if err := fs.writeBitmap(fs.bgs[g].BlockBitmapBlock, bm); err != nil {
		return err
	}
	fs.bgs[g].FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	if err := fs.writeBlockGroup(g); err != nil {
		return err
	}
	return fs.writeSuperBlock()
}

// allocInode draws a fresh inode number from the inode bitmaps,
// preferring the given group.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) allocInode(preferred uint32) (uint32, error) {
	groups := uint32(len(fs.bgs))
	for i := uint32(0); i < groups; i++ {
		g := (preferred + i) % groups
		if fs.bgs[g].FreeInodesCount == 0 {
			continue
		}

		bm, err := fs.readBitmap(fs.bgs[g].InodeBitmapBlock)
		if err != nil {
			return 0, err
		}
		valid := fs.sb.InodesPerGroup
		if total := fs.sb.InodesCount; g*fs.sb.InodesPerGroup+valid > total {
			valid = total - g*fs.sb.InodesPerGroup
		}
		bit := findFirstClear(bm, valid)
		if bit < 0 {
			continue
		}
		setBit(bm, uint32(bit))
		if err := fs.writeBitmap(fs.bgs[g].InodeBitmapBlock, bm); err != nil {
			return 0, err
		}
		fs.bgs[g].FreeInodesCount--
		fs.sb.FreeInodesCount--
		if err := fs.writeBlockGroup(g); err != nil {
			return 0, err
		}
		if err := fs.writeSuperBlock(); err != nil {
			return 0, err
		}
		return g*fs.sb.InodesPerGroup + uint32(bit) + 1, nil
	}
	return 0, fmt.Errorf("no free inodes: %w", kernerr.OutOfMemory)
}

// zeroBlock fills blk with zeros.
func (fs *Filesystem) zeroBlock(blk uint32) error {
	zero := make([]byte, fs.blkSize)
	if _, err := fs.dev.WriteAt(zero, int64(uint64(blk)*fs.blkSize)); err != nil {
		return fmt.Errorf("zeroing block %d: %w", blk, err)
	}
	return nil
}
