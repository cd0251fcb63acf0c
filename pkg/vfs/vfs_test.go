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

package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"vesper.dev/vesper/pkg/errors/kernerr"
)

// fakeFS is a minimal tree-shaped filesystem for traversal tests.
type fakeFS struct {
	mu      sync.Mutex
	cache   *VnodeCache
	nextIno uint32
	root    *Vnode
	tree    map[*Vnode]map[string]*Vnode
}

func newFakeFS(cache *VnodeCache) *fakeFS {
	fs := &fakeFS{cache: cache, nextIno: 1, tree: make(map[*Vnode]map[string]*Vnode)}
	fs.root = fs.newVnode(Directory)
	return fs
}

func (fs *fakeFS) newVnode(typ VnodeType) *Vnode {
	v := &Vnode{Filesystem: fs, InodeNum: fs.nextIno, Type: typ}
	fs.nextIno++
	fs.cache.Insert(v)
	if typ == Directory {
		fs.tree[v] = make(map[string]*Vnode)
	}
	return v
}

func (fs *fakeFS) addChild(dir *Vnode, name string, typ VnodeType) *Vnode {
	v := fs.newVnode(typ)
	fs.tree[dir][name] = v
	return v
}

func (fs *fakeFS) Root() *Vnode { return fs.root }

func (fs *fakeFS) Read(ctx context.Context, v *Vnode, dst []byte, offset uint64) (int, error) {
	return 0, nil
}

func (fs *fakeFS) Write(ctx context.Context, v *Vnode, src []byte, offset uint64) (int, error) {
	return len(src), nil
}

func (fs *fakeFS) FindInDirectory(dir *Vnode, name string) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.tree[dir][name]
	if !ok {
		return nil, kernerr.NotFound
	}
	return v, nil
}

func (fs *fakeFS) Create(dir *Vnode, name string, typ VnodeType) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.addChild(dir, name, typ), nil
}

func (fs *fakeFS) Truncate(v *Vnode) error { return nil }

func (fs *fakeFS) Remove(dir *Vnode, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.tree[dir], name)
	return nil
}

func TestResolve(t *testing.T) {
	vfsObj := New()
	fs := newFakeFS(vfsObj.Cache())
	bin := fs.addChild(fs.root, "bin", Directory)
	initV := fs.addChild(bin, "init", RegularFile)
	vfsObj.MountRoot(fs)

	got, err := vfsObj.Resolve("/bin/init")
	if err != nil {
		t.Fatalf("Resolve(/bin/init): %v", err)
	}
	if got != initV {
		t.Fatalf("Resolve returned %p, want %p", got, initV)
	}

	if root, err := vfsObj.Resolve("/"); err != nil || root != fs.root {
		t.Errorf("Resolve(/) = %p, %v; want root", root, err)
	}

	if _, err := vfsObj.Resolve("bin/init"); !errors.Is(err, kernerr.InvalidArgument) {
		t.Errorf("relative path error = %v, want InvalidArgument", err)
	}
}

func TestResolveMissing(t *testing.T) {
	vfsObj := New()
	fs := newFakeFS(vfsObj.Cache())
	fs.addChild(fs.root, "bin", Directory)
	vfsObj.MountRoot(fs)

	// Final component missing: ResolveParent hands back the parent
	// and the name for Open(Create).
	v, parent, name, err := vfsObj.ResolveParent("/bin/missing")
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if v != nil || name != "missing" {
		t.Fatalf("ResolveParent = (%v, %q), want (nil, missing)", v, name)
	}
	if parent == nil || parent.Type != Directory {
		t.Fatalf("ResolveParent returned no parent directory")
	}

	// Intermediate component missing: hard NotFound.
	if _, _, _, err := vfsObj.ResolveParent("/nosuch/file"); !errors.Is(err, kernerr.NotFound) {
		t.Errorf("intermediate miss = %v, want NotFound", err)
	}
	if _, err := vfsObj.Resolve("/bin/missing"); !errors.Is(err, kernerr.NotFound) {
		t.Errorf("Resolve of missing final = %v, want NotFound", err)
	}
}

func TestMountCrossing(t *testing.T) {
	vfsObj := New()
	rootFS := newFakeFS(vfsObj.Cache())
	rootFS.addChild(rootFS.root, "dev", Directory)
	vfsObj.MountRoot(rootFS)

	devFS := newFakeFS(vfsObj.Cache())
	ttyV := devFS.addChild(devFS.root, "tty", CharacterDevice)
	if err := vfsObj.Mount(devFS, "/dev"); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	got, err := vfsObj.Resolve("/dev/tty")
	if err != nil {
		t.Fatalf("Resolve(/dev/tty): %v", err)
	}
	if got != ttyV {
		t.Fatalf("lookup was not answered by the mounted filesystem")
	}
	if got.Filesystem.(*fakeFS) != devFS {
		t.Errorf("crossed vnode belongs to %T, want the mounted filesystem", got.Filesystem)
	}

	// The mount point itself resolves to the mounted root.
	dev, err := vfsObj.Resolve("/dev")
	if err != nil {
		t.Fatalf("Resolve(/dev): %v", err)
	}
	if dev != devFS.root {
		t.Error("mount point did not resolve to the mounted root")
	}
}

func TestVnodeCacheIdentity(t *testing.T) {
	vfsObj := New()
	fs := newFakeFS(vfsObj.Cache())
	f := fs.addChild(fs.root, "a", RegularFile)
	vfsObj.MountRoot(fs)

	v1, err := vfsObj.Resolve("/a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	v2, err := vfsObj.Resolve("/a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v1 != v2 || v1 != f {
		t.Fatal("repeated lookups returned distinct vnode objects")
	}

	if got := vfsObj.Cache().Lookup(fs, f.InodeNum); got != f {
		t.Fatal("cache lookup returned a different object")
	}
}

func TestCacheDuplicatePanics(t *testing.T) {
	vfsObj := New()
	fs := newFakeFS(vfsObj.Cache())

	defer func() {
		if recover() == nil {
			t.Error("inserting a duplicate identity did not panic")
		}
	}()
	vfsObj.Cache().Insert(&Vnode{Filesystem: fs, InodeNum: fs.root.InodeNum})
}
