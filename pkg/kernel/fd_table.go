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

package kernel

import (
	"context"
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/vfs"
)

// SeekWhence selects the base of a Seek.
type SeekWhence int

// Seek bases.
const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// FileDescription is one descriptor table slot. Closed slots stay in
// the table with present unset and are reused lowest-first.
type FileDescription struct {
	present bool
	offset  uint64
	vnode   *vfs.Vnode
	flags   vfs.OpenFlags
}

// Vnode returns the open file's vnode, or nil for a free slot.
func (fd *FileDescription) Vnode() *vfs.Vnode { return fd.vnode }

// Offset returns the descriptor's file offset.
func (fd *FileDescription) Offset() uint64 { return fd.offset }

// Present reports whether the slot is in use.
func (fd *FileDescription) Present() bool { return fd.present }

// FDTable is a task's view of its open files. It is exclusive to the
// task; fork duplicates it while the parent is mid-syscall.
type FDTable struct {
	mu    sync.Mutex
	files []FileDescription
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{}
}

// Len returns the number of slots ever allocated (free ones included).
func (f *FDTable) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// Open resolves path and binds it to the lowest free descriptor.
// OpenCreate materializes a missing regular file, OpenTruncate zeroes
// regular files, OpenAppend starts the offset at the end.
func (f *FDTable) Open(ctx context.Context, vfsObj *vfs.VirtualFilesystem, path string, flags vfs.OpenFlags) (int, error) {
	v, parent, name, err := vfsObj.ResolveParent(path)
	if err != nil {
		return 0, err
	}
	if v == nil {
		if flags&vfs.OpenCreate == 0 {
			return 0, kernerr.NotFound
		}
		if v, err = parent.Filesystem.Create(parent, name, vfs.RegularFile); err != nil {
			return 0, err
		}
	}

	if flags&vfs.OpenTruncate != 0 && v.Type == vfs.RegularFile {
		if err := v.Filesystem.Truncate(v); err != nil {
			return 0, err
		}
	}

	fd := FileDescription{present: true, vnode: v, flags: flags}
	if flags&vfs.OpenAppend != 0 {
		fd.offset = v.Size
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.files {
		if !f.files[i].present {
			f.files[i] = fd
			return i, nil
		}
	}
	f.files = append(f.files, fd)
	return len(f.files) - 1, nil
}

// get copies slot fd's state.
func (f *FDTable) get(fd int) (FileDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || fd >= len(f.files) || !f.files[fd].present {
		return FileDescription{}, kernerr.NoSuchDescriptor
	}
	return f.files[fd], nil
}

// Get returns a copy of slot fd's state.
func (f *FDTable) Get(fd int) (FileDescription, error) {
	return f.get(fd)
}

// Close frees slot fd for reuse.
func (f *FDTable) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || fd >= len(f.files) || !f.files[fd].present {
		return kernerr.NoSuchDescriptor
	}
	f.files[fd] = FileDescription{}
	return nil
}

// Read reads from slot fd at its offset and advances it by the bytes
// actually transferred.
func (f *FDTable) Read(ctx context.Context, fd int, dst []byte) (int, error) {
	d, err := f.get(fd)
	if err != nil {
		return 0, err
	}
	if d.flags&vfs.OpenNonBlock != 0 {
		ctx = vfs.WithNonBlock(ctx)
	}
	n, err := d.vnode.Filesystem.Read(ctx, d.vnode, dst, d.offset)
	f.advance(fd, uint64(n))
	return n, err
}

// Write writes to slot fd at its offset, extending the file as needed,
// and advances the offset.
func (f *FDTable) Write(ctx context.Context, fd int, src []byte) (int, error) {
	d, err := f.get(fd)
	if err != nil {
		return 0, err
	}
	if d.flags&vfs.OpenNonBlock != 0 {
		ctx = vfs.WithNonBlock(ctx)
	}
	n, err := d.vnode.Filesystem.Write(ctx, d.vnode, src, d.offset)
	f.advance(fd, uint64(n))
	return n, err
}

func (f *FDTable) advance(fd int, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < len(f.files) && f.files[fd].present {
		f.files[fd].offset += n
	}
}

// Seek repositions slot fd and returns the new absolute offset. The
// file does not grow; a gap past the end reads back as zeros once
// something is written beyond it.
func (f *FDTable) Seek(fd int, offset int64, whence SeekWhence) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || fd >= len(f.files) || !f.files[fd].present {
		return 0, kernerr.NoSuchDescriptor
	}
	d := &f.files[fd]

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(d.offset)
	case SeekEnd:
		base = int64(d.vnode.Size)
	default:
		return 0, kernerr.InvalidArgument
	}
	pos := base + offset
	if pos < 0 {
		return 0, kernerr.InvalidArgument
	}
	d.offset = uint64(pos)
	return d.offset, nil
}

// Fork duplicates the table. Vnode references are shared: the cache
// owns the vnodes.
func (f *FDTable) Fork() *FDTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := &FDTable{files: make([]FileDescription, len(f.files))}
	copy(clone.files, f.files)
	return clone
}
