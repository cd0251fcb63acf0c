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

// Package memfs implements a trivial in-memory filesystem: directories
// are maps, file contents are byte slices. It backs boot ramdisks and
// most kernel tests.
package memfs

import (
	"context"
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/vfs"
)

// node is the filesystem-private vnode context.
type node struct {
	data     []byte
	children map[string]*vfs.Vnode
}

// Filesystem implements vfs.Filesystem in memory.
type Filesystem struct {
	cache *vfs.VnodeCache
	root  *vfs.Vnode

	mu      sync.Mutex
	nextIno uint32
}

// NewFilesystem returns an empty filesystem.
func NewFilesystem(cache *vfs.VnodeCache) *Filesystem {
	fs := &Filesystem{cache: cache, nextIno: 1}
	fs.root = fs.newVnode(vfs.Directory)
	return fs
}

func (fs *Filesystem) newVnode(typ vfs.VnodeType) *vfs.Vnode {
	n := &node{}
	if typ == vfs.Directory {
		n.children = make(map[string]*vfs.Vnode)
	}
	v := &vfs.Vnode{
		Filesystem: fs,
		InodeNum:   fs.nextIno,
		Type:       typ,
		Context:    n,
	}
	fs.nextIno++
	fs.cache.Insert(v)
	return v
}

// Root implements vfs.Filesystem.Root.
func (fs *Filesystem) Root() *vfs.Vnode { return fs.root }

// Read implements vfs.Filesystem.Read.
func (fs *Filesystem) Read(ctx context.Context, v *vfs.Vnode, dst []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := v.Context.(*node)
	if offset >= uint64(len(n.data)) {
		return 0, nil
	}
	return copy(dst, n.data[offset:]), nil
}

// Write implements vfs.Filesystem.Write.
func (fs *Filesystem) Write(ctx context.Context, v *vfs.Vnode, src []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := v.Context.(*node)
	if end := offset + uint64(len(src)); end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
		v.Size = end
	}
	copy(n.data[offset:], src)
	return len(src), nil
}

// FindInDirectory implements vfs.Filesystem.FindInDirectory.
func (fs *Filesystem) FindInDirectory(dir *vfs.Vnode, name string) (*vfs.Vnode, error) {
	if dir.Type != vfs.Directory {
		return nil, kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := dir.Context.(*node).children[name]
	if !ok {
		return nil, kernerr.NotFound
	}
	return v, nil
}

// Create implements vfs.Filesystem.Create.
func (fs *Filesystem) Create(dir *vfs.Vnode, name string, typ vfs.VnodeType) (*vfs.Vnode, error) {
	if dir.Type != vfs.Directory {
		return nil, kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	children := dir.Context.(*node).children
	if _, ok := children[name]; ok {
		return nil, kernerr.InvalidArgument
	}
	v := fs.newVnode(typ)
	children[name] = v
	return v, nil
}

// Truncate implements vfs.Filesystem.Truncate.
func (fs *Filesystem) Truncate(v *vfs.Vnode) error {
	if v.Type != vfs.RegularFile {
		return kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v.Context.(*node).data = nil
	v.Size = 0
	return nil
}

// Remove implements vfs.Filesystem.Remove.
func (fs *Filesystem) Remove(dir *vfs.Vnode, name string) error {
	if dir.Type != vfs.Directory {
		return kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	children := dir.Context.(*node).children
	v, ok := children[name]
	if !ok {
		return kernerr.NotFound
	}
	delete(children, name)
	fs.cache.Evict(v)
	return nil
}

// WriteFile is a convenience for boot and tests: it creates the
// regular file name in dir if missing and writes contents at offset 0.
// An existing file is not truncated first.
func (fs *Filesystem) WriteFile(dir *vfs.Vnode, name string, contents []byte) (*vfs.Vnode, error) {
	v, err := fs.FindInDirectory(dir, name)
	if err != nil {
		if v, err = fs.Create(dir, name, vfs.RegularFile); err != nil {
			return nil, err
		}
	}
	if _, err := fs.Write(context.Background(), v, contents, 0); err != nil {
		return nil, err
	}
	return v, nil
}
