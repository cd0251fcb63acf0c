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

// Package vfs implements the virtual filesystem: vnodes, the vnode
// cache, the mount table and absolute path traversal. Concrete
// filesystems plug in behind the Filesystem interface.
package vfs

import (
	"context"
	"errors"
	"strings"
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
)

// VnodeType is the type of the object a vnode names.
type VnodeType int

// Vnode types.
const (
	RegularFile VnodeType = iota
	Directory
	CharacterDevice
	Symlink
)

// Vnode is the in-memory handle to one filesystem object, identified by
// (Filesystem, InodeNum). Vnodes are canonical: the cache guarantees
// two lookups of the same object return the same *Vnode, so descriptors
// that share a file share state through it.
type Vnode struct {
	// Filesystem owns the vnode. Immutable.
	Filesystem Filesystem

	// InodeNum identifies the vnode within its filesystem. Immutable.
	InodeNum uint32

	// Type is the object type. Immutable.
	Type VnodeType

	// Size is the current file size in bytes. Maintained by the
	// owning filesystem.
	Size uint64

	// Context is filesystem-private state.
	Context any
}

// Filesystem is the interface concrete filesystems implement.
type Filesystem interface {
	// Root returns the filesystem's root directory vnode.
	Root() *Vnode

	// Read copies up to len(dst) bytes from v at offset into dst and
	// returns the number copied. Character devices may block the
	// calling task through ctx.
	Read(ctx context.Context, v *Vnode, dst []byte, offset uint64) (int, error)

	// Write copies src into v at offset, extending the file as
	// needed, and returns the number of bytes written.
	Write(ctx context.Context, v *Vnode, src []byte, offset uint64) (int, error)

	// FindInDirectory resolves name within dir. Returns NotFound if
	// no entry matches.
	FindInDirectory(dir *Vnode, name string) (*Vnode, error)

	// Create materializes a new object of the given type named name
	// in dir.
	Create(dir *Vnode, name string, typ VnodeType) (*Vnode, error)

	// Truncate sets v's size to zero. Regular files only.
	Truncate(v *Vnode) error

	// Remove deletes the directory entry name from dir.
	Remove(dir *Vnode, name string) error
}

// OpenFlags is the bitmask accepted by Open.
type OpenFlags uint64

// Open flags.
const (
	OpenCreate OpenFlags = 1 << iota
	OpenTruncate
	OpenAppend
	OpenReadWrite
	OpenNonBlock
)

type ctxKey int

// ctxKeyNonBlock marks a read/write issued through a descriptor opened
// with OpenNonBlock.
const ctxKeyNonBlock ctxKey = iota

// WithNonBlock marks ctx as non-blocking for device I/O.
func WithNonBlock(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyNonBlock, true)
}

// IsNonBlock reports whether ctx carries the non-blocking mark.
func IsNonBlock(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyNonBlock).(bool)
	return v
}

type vnodeKey struct {
	fs  Filesystem
	ino uint32
}

// VnodeCache is the process-wide canonical vnode store.
type VnodeCache struct {
	mu      sync.Mutex
	entries map[vnodeKey]*Vnode
}

// Lookup returns the cached vnode for (fs, ino), or nil.
func (c *VnodeCache) Lookup(fs Filesystem, ino uint32) *Vnode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[vnodeKey{fs, ino}]
}

// Insert adds v to the cache. Inserting a second vnode for an already
// cached identity is a kernel bug.
func (c *VnodeCache) Insert(v *Vnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := vnodeKey{v.Filesystem, v.InodeNum}
	if _, ok := c.entries[key]; ok {
		panic("vfs: duplicate vnode inserted for cached identity")
	}
	c.entries[key] = v
}

// Evict removes v from the cache.
func (c *VnodeCache) Evict(v *Vnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, vnodeKey{v.Filesystem, v.InodeNum})
}

type mount struct {
	point *Vnode
	root  *Vnode
}

// VirtualFilesystem is the mount table plus the vnode cache. It is
// append-only after boot; the lock covers boot-time mutation.
type VirtualFilesystem struct {
	cache VnodeCache

	mu     sync.Mutex
	root   *Vnode
	mounts []mount
}

// New returns an empty VirtualFilesystem.
func New() *VirtualFilesystem {
	v := &VirtualFilesystem{}
	v.cache.entries = make(map[vnodeKey]*Vnode)
	return v
}

// Cache returns the canonical vnode cache. Filesystems hold this.
func (vfs *VirtualFilesystem) Cache() *VnodeCache {
	return &vfs.cache
}

// MountRoot installs fs as the root filesystem.
func (vfs *VirtualFilesystem) MountRoot(fs Filesystem) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	vfs.root = fs.Root()
}

// Mount mounts fs at the directory named by path.
func (vfs *VirtualFilesystem) Mount(fs Filesystem, path string) error {
	point, err := vfs.Resolve(path)
	if err != nil {
		return err
	}
	if point.Type != Directory {
		return kernerr.InvalidArgument
	}
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	vfs.mounts = append(vfs.mounts, mount{point: point, root: fs.Root()})
	return nil
}

// mountedRoot replaces v with the root of the filesystem mounted on it,
// if any.
func (vfs *VirtualFilesystem) mountedRoot(v *Vnode) *Vnode {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	for _, m := range vfs.mounts {
		if m.point == v {
			return m.root
		}
	}
	return v
}

// Resolve walks the absolute path to its vnode. Any unresolved
// component is NotFound.
func (vfs *VirtualFilesystem) Resolve(path string) (*Vnode, error) {
	v, _, _, err := vfs.walk(path)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, kernerr.NotFound
	}
	return v, nil
}

// ResolveParent walks path like Resolve, but when only the final
// component is missing it returns (nil, parent directory, unresolved
// name) with a nil error, so Open can materialize the file.
func (vfs *VirtualFilesystem) ResolveParent(path string) (v, parent *Vnode, name string, err error) {
	return vfs.walk(path)
}

func (vfs *VirtualFilesystem) walk(path string) (v, parent *Vnode, name string, err error) {
	if !strings.HasPrefix(path, "/") {
		return nil, nil, "", kernerr.InvalidArgument
	}
	vfs.mu.Lock()
	cur := vfs.root
	vfs.mu.Unlock()
	if cur == nil {
		return nil, nil, "", kernerr.NotFound
	}

	var components []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	for i, c := range components {
		if cur.Type != Directory {
			return nil, nil, "", kernerr.NotFound
		}
		next, err := cur.Filesystem.FindInDirectory(cur, c)
		if err != nil {
			if errors.Is(err, kernerr.NotFound) && i == len(components)-1 {
				return nil, cur, c, nil
			}
			return nil, nil, "", err
		}
		cur = vfs.mountedRoot(next)
	}
	return cur, nil, "", nil
}
