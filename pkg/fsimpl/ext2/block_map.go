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
	"encoding/binary"
	"fmt"

	"vesper.dev/vesper/pkg/fsimpl/ext2/disklayout"
)

// blockAt translates a logical block index to a disk block number,
// walking the direct, single, double and triple indirect pointers.
//
// With alloc false, a zero return means a hole. With alloc true, every
// missing block on the path (indirect blocks included) is allocated
// zeroed; dirtyInode reports whether the inode's own pointer array
// changed and must be written back.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) blockAt(ic *inodeContext, index uint64, alloc bool) (blk uint32, dirtyInode bool, err error) {
	ptrsPerBlock := fs.blkSize / 4

	var slot int
	var levels int
	var rem uint64
	switch {
	case index < disklayout.DirectBlocksCount:
		blk = ic.disk.Block[index]
		if blk == 0 && alloc {
			if blk, err = fs.allocBlock(fs.groupOf(ic.num)); err != nil {
				return 0, false, err
			}
			ic.disk.Block[index] = blk
			dirtyInode = true
		}
		return blk, dirtyInode, nil
	case index < disklayout.DirectBlocksCount+ptrsPerBlock:
		slot, levels = disklayout.SingleIndirectBlock, 1
		rem = index - disklayout.DirectBlocksCount
	case index < disklayout.DirectBlocksCount+ptrsPerBlock+ptrsPerBlock*ptrsPerBlock:
		slot, levels = disklayout.DoubleIndirectBlock, 2
		rem = index - disklayout.DirectBlocksCount - ptrsPerBlock
	default:
		slot, levels = disklayout.TripleIndirectBlock, 3
		rem = index - disklayout.DirectBlocksCount - ptrsPerBlock - ptrsPerBlock*ptrsPerBlock
	}

	cur := ic.disk.Block[slot]
	if cur == 0 {
		if !alloc {
			return 0, false, nil
		}
		if cur, err = fs.allocBlock(fs.groupOf(ic.num)); err != nil {
			return 0, false, err
		}
		ic.disk.Block[slot] = cur
		dirtyInode = true
	}

	stride := uint64(1)
	for i := 1; i < levels; i++ {
		stride *= ptrsPerBlock
	}
	for level := levels; level > 0; level-- {
		idx := rem / stride
		rem %= stride
		stride /= ptrsPerBlock

		next, err := fs.readBlockPtr(cur, idx)
		if err != nil {
			return 0, false, err
		}
		if next == 0 {
			if !alloc {
				return 0, false, nil
			}
			if next, err = fs.allocBlock(fs.groupOf(ic.num)); err != nil {
				return 0, false, err
			}
			if err := fs.writeBlockPtr(cur, idx, next); err != nil {
				return 0, false, err
			}
		}
		cur = next
	}
	return cur, dirtyInode, nil
}

// readBlockPtr reads pointer idx of the indirect block blk.
func (fs *Filesystem) readBlockPtr(blk uint32, idx uint64) (uint32, error) {
	var raw [4]byte
	off := int64(uint64(blk)*fs.blkSize + idx*4)
	if _, err := fs.dev.ReadAt(raw[:], off); err != nil {
		return 0, fmt.Errorf("reading indirect block %d: %w", blk, err)
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

// writeBlockPtr writes pointer idx of the indirect block blk.
func (fs *Filesystem) writeBlockPtr(blk uint32, idx uint64, val uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], val)
	off := int64(uint64(blk)*fs.blkSize + idx*4)
	if _, err := fs.dev.WriteAt(raw[:], off); err != nil {
		return fmt.Errorf("writing indirect block %d: %w", blk, err)
	}
	return nil
}

// freeInodeBlocks returns every data and indirect block of ic to the
// block bitmap and clears the pointer array.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) freeInodeBlocks(ic *inodeContext) error {
	for i := 0; i < disklayout.DirectBlocksCount; i++ {
		if ic.disk.Block[i] != 0 {
			if err := fs.freeBlock(ic.disk.Block[i]); err != nil {
				return err
			}
		}
	}
	for slot, depth := range map[int]int{
		disklayout.SingleIndirectBlock: 1,
		disklayout.DoubleIndirectBlock: 2,
		disklayout.TripleIndirectBlock: 3,
	} {
		if ic.disk.Block[slot] != 0 {
			if err := fs.freeIndirectTree(ic.disk.Block[slot], depth); err != nil {
				return err
			}
		}
	}
	ic.disk.Block = [disklayout.BlockPtrsPerInode]uint32{}
	return nil
}

// freeIndirectTree frees the pointer tree rooted at blk, depth levels
// of indirection deep.
func (fs *Filesystem) freeIndirectTree(blk uint32, depth int) error {
	if depth > 0 {
		for idx := uint64(0); idx < fs.blkSize/4; idx++ {
			child, err := fs.readBlockPtr(blk, idx)
			if err != nil {
				return err
			}
			if child != 0 {
				if err := fs.freeIndirectTree(child, depth-1); err != nil {
					return err
				}
			}
		}
	}
	return fs.freeBlock(blk)
}
