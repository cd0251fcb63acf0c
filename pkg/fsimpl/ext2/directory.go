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
	"strings"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/fsimpl/ext2/disklayout"
	"vesper.dev/vesper/pkg/vfs"
)

// DirentInfo is one live directory entry, as reported by Dirents.
type DirentInfo struct {
	Name  string
	Inode uint32
	Type  uint8
}

// forEachDirent invokes fn for every entry slot (free slots included)
// of the directory ic, passing the entry and its byte offset. Returning
// false stops the walk.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) forEachDirent(ic *inodeContext, fn func(d *disklayout.Dirent, off uint64) bool) error {
	size := uint64(ic.disk.SizeLo)
	buf := make([]byte, fs.blkSize)

	for off := uint64(0); off < size; {
		// Entries never straddle a block boundary; read the
		// containing block once.
		blockStart := off - off%fs.blkSize
		n, err := fs.readInodeAt(ic, buf, blockStart)
		if err != nil {
			return err
		}

		for off < blockStart+uint64(n) {
			rel := off - blockStart
			var d disklayout.Dirent
			if rel+disklayout.DirentHeaderSize > uint64(n) {
				return fmt.Errorf("dirent header at %d overruns directory: %w", off, kernerr.InvalidFormat)
			}
			d.UnmarshalBytes(buf[rel:])
			if d.RecordLength < disklayout.DirentHeaderSize || rel+uint64(d.RecordLength) > fs.blkSize {
				return fmt.Errorf("dirent at %d has bad record length %d: %w", off, d.RecordLength, kernerr.InvalidFormat)
			}
			if !fn(&d, off) {
				return nil
			}
			off += uint64(d.RecordLength)
		}
	}
	return nil
}

// FindInDirectory implements vfs.Filesystem.FindInDirectory.
func (fs *Filesystem) FindInDirectory(dir *vfs.Vnode, name string) (*vfs.Vnode, error) {
	if dir.Type != vfs.Directory {
		return nil, kernerr.InvalidArgument
	}
	fs.mu.Lock()

	var found uint32
	ic := dir.Context.(*inodeContext)
	err := fs.forEachDirent(ic, func(d *disklayout.Dirent, off uint64) bool {
		if d.Inode != 0 && d.Name == name {
			found = d.Inode
			return false
		}
		return true
	})
	fs.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, kernerr.NotFound
	}
	return fs.getInode(found)
}

// Dirents returns the live entries of dir in directory order.
func (fs *Filesystem) Dirents(dir *vfs.Vnode) ([]DirentInfo, error) {
	if dir.Type != vfs.Directory {
		return nil, kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []DirentInfo
	ic := dir.Context.(*inodeContext)
	err := fs.forEachDirent(ic, func(d *disklayout.Dirent, off uint64) bool {
		if d.Inode != 0 {
			out = append(out, DirentInfo{Name: d.Name, Inode: d.Inode, Type: d.FileType})
		}
		return true
	})
	return out, err
}

// Create implements vfs.Filesystem.Create. The new entry is appended
// in the directory's last slot, splitting the trailing free space; the
// inode comes from the first free inode bit near the directory's
// group.
func (fs *Filesystem) Create(dir *vfs.Vnode, name string, typ vfs.VnodeType) (*vfs.Vnode, error) {
	if dir.Type != vfs.Directory {
		return nil, kernerr.InvalidArgument
	}
	if name == "" || len(name) > 255 || strings.ContainsRune(name, '/') {
		return nil, kernerr.InvalidArgument
	}

	var mode uint16
	var fileType uint8
	switch typ {
	case vfs.RegularFile:
		mode, fileType = disklayout.ModeRegular|0o644, disklayout.FileTypeRegular
	case vfs.Directory:
		mode, fileType = disklayout.ModeDirectory|0o755, disklayout.FileTypeDir
	default:
		return nil, kernerr.NotSupported
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirIC := dir.Context.(*inodeContext)

	num, err := fs.allocInode(fs.groupOf(dirIC.num))
	if err != nil {
		return nil, err
	}

	ic := &inodeContext{num: num}
	ic.disk.Mode = mode
	ic.disk.LinksCount = 1

	if typ == vfs.Directory {
		if err := fs.initDirectory(ic, dirIC.num); err != nil {
			return nil, err
		}
		dirIC.disk.LinksCount++ // the child's ".."
	}
	if err := fs.writeInode(ic); err != nil {
		return nil, err
	}

	if err := fs.appendDirent(dir, name, num, fileType); err != nil {
		return nil, err
	}
	if typ == vfs.Directory {
		if err := fs.writeInode(dirIC); err != nil {
			return nil, err
		}
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

// initDirectory gives a fresh directory inode its first block with the
// "." and ".." entries.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) initDirectory(ic *inodeContext, parent uint32) error {
	blk, _, err := fs.blockAt(ic, 0, true)
	if err != nil {
		return err
	}

	buf := make([]byte, fs.blkSize)
	dot := disklayout.Dirent{
		Inode:        ic.num,
		RecordLength: disklayout.RecordSize(1),
		NameLength:   1,
		FileType:     disklayout.FileTypeDir,
		Name:         ".",
	}
	dot.MarshalBytes(buf)
	dotdot := disklayout.Dirent{
		Inode:        parent,
		RecordLength: uint16(fs.blkSize) - dot.RecordLength,
		NameLength:   2,
		FileType:     disklayout.FileTypeDir,
		Name:         "..",
	}
	dotdot.MarshalBytes(buf[dot.RecordLength:])

	if _, err := fs.dev.WriteAt(buf, int64(uint64(blk)*fs.blkSize)); err != nil {
		return err
	}
	ic.disk.SizeLo = uint32(fs.blkSize)
	ic.disk.LinksCount = 2
	return nil
}

// appendDirent links (name -> ino) into dir. The last entry of a block
// owns the block's trailing free space; the new entry is carved out of
// it, or out of a fresh block when it does not fit.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) appendDirent(dir *vfs.Vnode, name string, ino uint32, fileType uint8) error {
	ic := dir.Context.(*inodeContext)
	entry := disklayout.Dirent{
		Inode:      ino,
		NameLength: uint8(len(name)),
		FileType:   fileType,
		Name:       name,
	}
	need := disklayout.RecordSize(len(name))

	// Find the last entry of the last block.
	var last disklayout.Dirent
	var lastOff uint64
	haveLast := false
	err := fs.forEachDirent(ic, func(d *disklayout.Dirent, off uint64) bool {
		last, lastOff, haveLast = *d, off, true
		return true
	})
	if err != nil {
		return err
	}

	if haveLast {
		used := disklayout.RecordSize(int(last.NameLength))
		if last.Inode == 0 {
			used = 0
		}
		if free := last.RecordLength - used; free >= need {
			// Split the trailing slot.
			buf := make([]byte, last.RecordLength)
			if last.Inode != 0 {
				last.RecordLength = used
				last.MarshalBytes(buf)
				entry.RecordLength = free
			} else {
				entry.RecordLength = last.RecordLength
			}
			entry.MarshalBytes(buf[used:])
			return fs.writeDirRange(ic, lastOff, buf)
		}
	}

	// Grow the directory by one block; the entry owns it whole.
	index := uint64(ic.disk.SizeLo) / fs.blkSize
	blk, _, err := fs.blockAt(ic, index, true)
	if err != nil {
		return err
	}
	entry.RecordLength = uint16(fs.blkSize)
	buf := make([]byte, fs.blkSize)
	entry.MarshalBytes(buf)
	if _, err := fs.dev.WriteAt(buf, int64(uint64(blk)*fs.blkSize)); err != nil {
		return err
	}
	ic.disk.SizeLo += uint32(fs.blkSize)
	dir.Size = uint64(ic.disk.SizeLo)
	return fs.writeInode(ic)
}

// writeDirRange writes raw bytes into the directory's data at off.
//
// Precondition: fs.mu must be held.
func (fs *Filesystem) writeDirRange(ic *inodeContext, off uint64, b []byte) error {
	if _, err := fs.writeInodeAt(ic, b, off); err != nil {
		return err
	}
	return nil
}

// Remove implements vfs.Filesystem.Remove. The removed entry's record
// is merged into its predecessor; an entry at the start of a block
// becomes a free slot instead.
func (fs *Filesystem) Remove(dir *vfs.Vnode, name string) error {
	if dir.Type != vfs.Directory {
		return kernerr.InvalidArgument
	}
	if name == "." || name == ".." {
		return kernerr.InvalidArgument
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	ic := dir.Context.(*inodeContext)

	var prev, target disklayout.Dirent
	var prevOff, targetOff uint64
	havePrev, haveTarget := false, false
	err := fs.forEachDirent(ic, func(d *disklayout.Dirent, off uint64) bool {
		if d.Inode != 0 && d.Name == name {
			target, targetOff, haveTarget = *d, off, true
			return false
		}
		prev, prevOff, havePrev = *d, off, true
		return true
	})
	if err != nil {
		return err
	}
	if !haveTarget {
		return kernerr.NotFound
	}

	if targetOff%fs.blkSize == 0 || !havePrev || prevOff/fs.blkSize != targetOff/fs.blkSize {
		// Head of block: mark the slot free in place.
		target.Inode = 0
		buf := make([]byte, disklayout.DirentHeaderSize+len(target.Name))
		target.MarshalBytes(buf)
		return fs.writeDirRange(ic, targetOff, buf)
	}

	prev.RecordLength += target.RecordLength
	buf := make([]byte, disklayout.DirentHeaderSize+len(prev.Name))
	prev.MarshalBytes(buf)
	return fs.writeDirRange(ic, prevOff, buf)
}
