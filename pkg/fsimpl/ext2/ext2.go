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

// Package ext2 implements a read/write ext2 filesystem behind the vfs
// Filesystem interface. The on-disk format is bit-compatible with a
// standard ext2 image; see the disklayout subpackage.
package ext2

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"vesper.dev/vesper/pkg/blockdev"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/fsimpl/ext2/disklayout"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/vfs"
)

// fastSymlinkMaxLen is the size of the inode's block pointer array;
// symlink targets shorter than this are stored inline in it.
const fastSymlinkMaxLen = 60

// Filesystem implements vfs.Filesystem over a block device.
type Filesystem struct {
	dev   blockdev.Device
	cache *vfs.VnodeCache

	// mu serializes all metadata mutation: bitmaps, inode records,
	// directory blocks and the superblock free counts.
	mu sync.Mutex

	sb      disklayout.SuperBlock
	bgs     []disklayout.BlockGroup
	blkSize uint64
	root    *vfs.Vnode
}

// inodeContext is the filesystem-private vnode context: the inode
// number and the in-memory copy of its on-disk record.
type inodeContext struct {
	num  uint32
	disk disklayout.Inode
}

// NewFilesystem mounts the ext2 image on dev. It refuses images with a
// bad signature, an unclean state or unknown incompatible features.
func NewFilesystem(dev blockdev.Device, cache *vfs.VnodeCache) (*Filesystem, error) {
	fs := &Filesystem{dev: dev, cache: cache}

	var raw [disklayout.SbSize]byte
	if _, err := dev.ReadAt(raw[:], disklayout.SbOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	fs.sb.UnmarshalBytes(raw[:])

	if fs.sb.Signature != disklayout.Magic {
		return nil, fmt.Errorf("bad ext2 signature %#x: %w", fs.sb.Signature, kernerr.InvalidFormat)
	}
	if fs.sb.State != disklayout.StateClean {
		return nil, fmt.Errorf("filesystem state %d is not clean: %w", fs.sb.State, kernerr.InvalidFormat)
	}
	if unknown := fs.sb.FeatureIncompat &^ disklayout.SupportedIncompat; unknown != 0 {
		return nil, fmt.Errorf("unknown required features %#x: %w", unknown, kernerr.InvalidFormat)
	}
	if fs.sb.FeatureIncompat&disklayout.IncompatFiletype == 0 {
		return nil, fmt.Errorf("image lacks the dirent file type feature: %w", kernerr.InvalidFormat)
	}
	fs.blkSize = fs.sb.BlockSize()

	groups := fs.sb.BlockGroupsCount()
	groupsFromInodes := (fs.sb.InodesCount + fs.sb.InodesPerGroup - 1) / fs.sb.InodesPerGroup
	if groups != groupsFromInodes {
		return nil, fmt.Errorf("block group count mismatch (%d from blocks, %d from inodes): %w",
			groups, groupsFromInodes, kernerr.InvalidFormat)
	}

	bgdOff := int64(fs.bgdTableBlock() * fs.blkSize)
	fs.bgs = make([]disklayout.BlockGroup, groups)
	buf := make([]byte, disklayout.BgSize)
	for g := range fs.bgs {
		if _, err := dev.ReadAt(buf, bgdOff+int64(g*disklayout.BgSize)); err != nil {
			return nil, fmt.Errorf("reading block group %d: %w", g, err)
		}
		fs.bgs[g].UnmarshalBytes(buf)
	}

	root, err := fs.getInode(disklayout.RootDirInode)
	if err != nil {
		return nil, fmt.Errorf("reading root inode: %w", err)
	}
	fs.root = root

	log.Infof("ext2: mounted, %d blocks of %d bytes, %d inodes, %d groups",
		fs.sb.BlocksCount, fs.blkSize, fs.sb.InodesCount, groups)
	return fs, nil
}

// bgdTableBlock returns the first block of the block group descriptor
// table: block 2 with 1 KiB blocks, block 1 otherwise.
func (fs *Filesystem) bgdTableBlock() uint64 {
	if fs.blkSize == 1024 {
		return 2
	}
	return 1
}

// Root implements vfs.Filesystem.Root.
func (fs *Filesystem) Root() *vfs.Vnode { return fs.root }

// inodeLocation returns the byte offset of inode num's record.
func (fs *Filesystem) inodeLocation(num uint32) int64 {
	group := (num - 1) / fs.sb.InodesPerGroup
	index := (num - 1) % fs.sb.InodesPerGroup
	table := uint64(fs.bgs[group].InodeTableBlock) * fs.blkSize
	return int64(table + uint64(index)*uint64(fs.sb.InodeSizeBytes()))
}

// getInode returns the canonical vnode for inode num, reading it off
// disk on first use.
func (fs *Filesystem) getInode(num uint32) (*vfs.Vnode, error) {
	if num == 0 || num > fs.sb.InodesCount {
		return nil, kernerr.InvalidFormat
	}
	if v := fs.cache.Lookup(fs, num); v != nil {
		return v, nil
	}

	var raw [disklayout.InodeSize]byte
	if _, err := fs.dev.ReadAt(raw[:], fs.inodeLocation(num)); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", num, err)
	}
	ic := &inodeContext{num: num}
	ic.disk.UnmarshalBytes(raw[:])

	var typ vfs.VnodeType
	switch ic.disk.Type() {
	case disklayout.ModeRegular:
		typ = vfs.RegularFile
	case disklayout.ModeDirectory:
		typ = vfs.Directory
	case disklayout.ModeCharDev:
		typ = vfs.CharacterDevice
	case disklayout.ModeSymlink:
		typ = vfs.Symlink
	default:
		return nil, fmt.Errorf("inode %d has unsupported type %#x: %w", num, ic.disk.Type(), kernerr.InvalidFormat)
	}

	v := &vfs.Vnode{
		Filesystem: fs,
		InodeNum:   num,
		Type:       typ,
		Size:       uint64(ic.disk.SizeLo),
		Context:    ic,
	}
	fs.cache.Insert(v)
	return v, nil
}

// writeInode writes ic's record back to disk.
func (fs *Filesystem) writeInode(ic *inodeContext) error {
	var raw [disklayout.InodeSize]byte
	ic.disk.MarshalBytes(raw[:])
	if _, err := fs.dev.WriteAt(raw[:], fs.inodeLocation(ic.num)); err != nil {
		return fmt.Errorf("writing inode %d: %w", ic.num, err)
	}
	return nil
}

// writeSuperBlock writes back the superblock's mutable fields.
func (fs *Filesystem) writeSuperBlock() error {
	var raw [disklayout.SbSize]byte
	fs.sb.MarshalBytes(raw[:])
	_, err := fs.dev.WriteAt(raw[:], disklayout.SbOffset)
	return err
}

// writeBlockGroup writes back group g's descriptor.
func (fs *Filesystem) writeBlockGroup(g uint32) error {
	var raw [disklayout.BgSize]byte
	fs.bgs[g].MarshalBytes(raw[:])
	off := int64(fs.bgdTableBlock()*fs.blkSize) + int64(g)*disklayout.BgSize
	_, err := fs.dev.WriteAt(raw[:], off)
	return err
}

// Read implements vfs.Filesystem.Read.
func (fs *Filesystem) Read(ctx context.Context, v *vfs.Vnode, dst []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ic := v.Context.(*inodeContext)
	if ic.disk.IsSymlink() && uint64(ic.disk.SizeLo) < fastSymlinkMaxLen {
		return fs.readFastSymlink(ic, dst, offset), nil
	}
	return fs.readInodeAt(ic, dst, offset)
}

// readFastSymlink copies from the target stored in the block pointer
// array.
func (fs *Filesystem) readFastSymlink(ic *inodeContext, dst []byte, offset uint64) int {
	var target [fastSymlinkMaxLen]byte
	for i, p := range ic.disk.Block {
		binary.LittleEndian.PutUint32(target[4*i:], p)
	}
	size := uint64(ic.disk.SizeLo)
	if offset >= size {
		return 0
	}
	return copy(dst, target[offset:size])
}

// readInodeAt copies file contents into dst, zero-filling holes and
// stopping at the inode size.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) readInodeAt(ic *inodeContext, dst []byte, offset uint64) (int, error) {
	size := uint64(ic.disk.SizeLo)
	if offset >= size {
		return 0, nil
	}
	if rem := size - offset; uint64(len(dst)) > rem {
		dst = dst[:rem]
	}

	done := 0
	for done < len(dst) {
		off := offset + uint64(done)
		inBlock := off % fs.blkSize
		span := int(fs.blkSize - inBlock)
		if span > len(dst)-done {
			span = len(dst) - done
		}

		blk, _, err := fs.blockAt(ic, off/fs.blkSize, false)
		if err != nil {
			return done, err
		}
		if blk == 0 {
			clear(dst[done : done+span])
		} else {
			at := int64(uint64(blk)*fs.blkSize + inBlock)
			if _, err := fs.dev.ReadAt(dst[done:done+span], at); err != nil {
				return done, fmt.Errorf("reading block %d: %w", blk, err)
			}
		}
		done += span
	}
	return done, nil
}

// Write implements vfs.Filesystem.Write.
func (fs *Filesystem) Write(ctx context.Context, v *vfs.Vnode, src []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ic := v.Context.(*inodeContext)
	n, err := fs.writeInodeAt(ic, src, offset)
	if n > 0 {
		if end := offset + uint64(n); end > uint64(ic.disk.SizeLo) {
			ic.disk.SizeLo = uint32(end)
			v.Size = end
		}
		if werr := fs.writeInode(ic); err == nil {
			err = werr
		}
	}
	return n, err
}

// writeInodeAt writes src at offset, allocating blocks as needed. The
// caller updates the size and writes the inode back.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) writeInodeAt(ic *inodeContext, src []byte, offset uint64) (int, error) {
	done := 0
	for done < len(src) {
		off := offset + uint64(done)
		inBlock := off % fs.blkSize
		span := int(fs.blkSize - inBlock)
		if span > len(src)-done {
			span = len(src) - done
		}

		blk, dirty, err := fs.blockAt(ic, off/fs.blkSize, true)
		if err != nil {
			return done, err
		}
		if dirty {
			if err := fs.writeInode(ic); err != nil {
				return done, err
			}
		}
		at := int64(uint64(blk)*fs.blkSize + inBlock)
		if _, err := fs.dev.WriteAt(src[done:done+span], at); err != nil {
			return done, fmt.Errorf("writing block %d: %w", blk, err)
		}
		done += span
	}
	return done, nil
}

// Truncate implements vfs.Filesystem.Truncate. All data blocks are
// returned to the block bitmap.
func (fs *Filesystem) Truncate(v *vfs.Vnode) error {
	if v.Type != vfs.RegularFile {
		return kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ic := v.Context.(*inodeContext)
	if err := fs.freeInodeBlocks(ic); err != nil {
		return err
	}
	ic.disk.SizeLo = 0
	ic.disk.SectorCount = 0
	v.Size = 0
	return fs.writeInode(ic)
}

// groupOf returns the block group an inode belongs to.
func (fs *Filesystem) groupOf(num uint32) uint32 {
	return (num - 1) / fs.sb.InodesPerGroup
}
