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

// Package devfs implements the synthetic device filesystem: a single
// root directory with one character-device child per registered
// device. Reads and writes forward to the device itself.
package devfs

import (
	"context"
	"sync"

	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/vfs"
)

// Device is a character device registered with the filesystem. Offsets
// are meaningless to character devices, so they are not passed down.
type Device interface {
	// Name is the device's name in the filesystem root.
	Name() string

	// Read fills dst with available device data. A blocking device
	// may suspend the calling task through ctx.
	Read(ctx context.Context, dst []byte) (int, error)

	// Write consumes src.
	Write(ctx context.Context, src []byte) (int, error)
}

// Filesystem implements vfs.Filesystem over a device registry. Devices
// are registered at boot; the registry is append-only afterwards.
type Filesystem struct {
	cache *vfs.VnodeCache
	root  *vfs.Vnode

	mu      sync.Mutex
	nextIno uint32
	devices []*vfs.Vnode
}

// NewFilesystem returns an empty device filesystem.
func NewFilesystem(cache *vfs.VnodeCache) *Filesystem {
	fs := &Filesystem{cache: cache, nextIno: 1}
	fs.root = &vfs.Vnode{
		Filesystem: fs,
		InodeNum:   fs.nextIno,
		Type:       vfs.Directory,
	}
	fs.nextIno++
	cache.Insert(fs.root)
	return fs
}

// Register adds dev under the filesystem root.
func (fs *Filesystem) Register(dev Device) *vfs.Vnode {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	v := &vfs.Vnode{
		Filesystem: fs,
		InodeNum:   fs.nextIno,
		Type:       vfs.CharacterDevice,
		Context:    dev,
	}
	fs.nextIno++
	fs.devices = append(fs.devices, v)
	fs.cache.Insert(v)
	return v
}

// Root implements vfs.Filesystem.Root.
func (fs *Filesystem) Root() *vfs.Vnode { return fs.root }

// Read implements vfs.Filesystem.Read.
func (fs *Filesystem) Read(ctx context.Context, v *vfs.Vnode, dst []byte, offset uint64) (int, error) {
	dev, ok := v.Context.(Device)
	if !ok {
		return 0, kernerr.NotSupported
	}
	return dev.Read(ctx, dst)
}

// Write implements vfs.Filesystem.Write.
func (fs *Filesystem) Write(ctx context.Context, v *vfs.Vnode, src []byte, offset uint64) (int, error) {
	dev, ok := v.Context.(Device)
	if !ok {
		return 0, kernerr.NotSupported
	}
	return dev.Write(ctx, src)
}

// FindInDirectory implements vfs.Filesystem.FindInDirectory. The only
// directory is the root.
func (fs *Filesystem) FindInDirectory(dir *vfs.Vnode, name string) (*vfs.Vnode, error) {
	if dir != fs.root {
		return nil, kernerr.InvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, v := range fs.devices {
		if v.Context.(Device).Name() == name {
			return v, nil
		}
	}
	return nil, kernerr.NotFound
}

// Create implements vfs.Filesystem.Create. Devices are registered at
// boot, never created through the VFS.
func (fs *Filesystem) Create(dir *vfs.Vnode, name string, typ vfs.VnodeType) (*vfs.Vnode, error) {
	return nil, kernerr.NotSupported
}

// Truncate implements vfs.Filesystem.Truncate.
func (fs *Filesystem) Truncate(v *vfs.Vnode) error {
	return kernerr.NotSupported
}

// Remove implements vfs.Filesystem.Remove.
func (fs *Filesystem) Remove(dir *vfs.Vnode, name string) error {
	return kernerr.NotSupported
}
