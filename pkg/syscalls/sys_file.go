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

package syscalls

import (
	"encoding/binary"

	"vesper.dev/vesper/pkg/devices/tty"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
	"vesper.dev/vesper/pkg/vfs"
)

// userIO returns the pieces needed to touch t's user memory.
func userIO(t *kernel.Task) (platform.Memory, platform.AddressSpace) {
	return t.Kernel().Platform().Memory(), t.AddressSpace()
}

func sysOpen(t *kernel.Task, args [6]uint64) (uint64, error) {
	mem, as := userIO(t)
	path, err := platform.ReadCString(mem, as, usermem.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	fd, err := t.FDTable().Open(t.Context(), t.Kernel().VFS(), path, vfs.OpenFlags(args[1]))
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func sysRead(t *kernel.Task, args [6]uint64) (uint64, error) {
	fd, buf, count := int(int64(args[0])), usermem.Addr(args[1]), args[2]
	if count > maxRWSize {
		return 0, kernerr.InvalidArgument
	}
	b := make([]byte, count)
	n, err := t.FDTable().Read(t.Context(), fd, b)
	if err != nil {
		return 0, err
	}
	mem, as := userIO(t)
	if err := platform.CopyOut(mem, as, buf, b[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func sysWrite(t *kernel.Task, args [6]uint64) (uint64, error) {
	fd, buf, count := int(int64(args[0])), usermem.Addr(args[1]), args[2]
	if count > maxRWSize {
		return 0, kernerr.InvalidArgument
	}
	b := make([]byte, count)
	mem, as := userIO(t)
	if err := platform.CopyIn(mem, as, buf, b); err != nil {
		return 0, err
	}
	n, err := t.FDTable().Write(t.Context(), fd, b)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func sysSeek(t *kernel.Task, args [6]uint64) (uint64, error) {
	fd, offset := int(int64(args[0])), int64(args[1])
	var whence kernel.SeekWhence
	switch args[2] {
	case 0:
		whence = kernel.SeekSet
	case 1:
		whence = kernel.SeekCur
	case 2:
		whence = kernel.SeekEnd
	default:
		return 0, kernerr.InvalidArgument
	}
	return t.FDTable().Seek(fd, offset, whence)
}

func sysClose(t *kernel.Task, args [6]uint64) (uint64, error) {
	if err := t.FDTable().Close(int(int64(args[0]))); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysFileMap maps length bytes of fresh zeroed pages at hint (or at an
// allocator-chosen address), populated from fd at offset when fd is
// non-negative.
func sysFileMap(t *kernel.Task, args [6]uint64) (uint64, error) {
	hint, length := usermem.Addr(args[0]), args[1]
	fd, offset := int64(args[2]), args[3]
	if length == 0 {
		return 0, kernerr.InvalidArgument
	}

	var addr usermem.Addr
	if hint != 0 {
		if err := t.Alloc().AllocateAt(hint.RoundDown(), length); err != nil {
			return 0, err
		}
		addr = hint.RoundDown()
	} else {
		a, err := t.Alloc().Allocate(length)
		if err != nil {
			return 0, err
		}
		addr = a
	}

	mem, as := userIO(t)
	frames := t.Kernel().Platform().Frames()
	for page := uint64(0); page < usermem.PagesSpanned(addr, length); page++ {
		phys, err := frames.AllocFrame()
		if err != nil {
			return 0, err
		}
		if err := as.MapPage(addr+usermem.Addr(page*usermem.PageSize), phys, platform.MapFlags{Writable: true, User: true}); err != nil {
			return 0, err
		}
		clear(mem.Slice(phys, usermem.PageSize))
	}

	if fd >= 0 {
		d, err := t.FDTable().Get(int(fd))
		if err != nil {
			return 0, err
		}
		v := d.Vnode()
		b := make([]byte, length)
		n, err := v.Filesystem.Read(t.Context(), v, b, offset)
		if err != nil {
			return 0, err
		}
		if err := platform.CopyOut(mem, as, addr, b[:n]); err != nil {
			return 0, err
		}
	}
	return uint64(addr), nil
}

// Stat is the userspace stat buffer layout.
type Stat struct {
	Inode     uint64
	Type      uint32
	BlockSize uint32
	Size      uint64
}

// StatSize is the marshalled size of Stat.
const StatSize = 24

func statFor(v *vfs.Vnode) Stat {
	st := Stat{
		Inode: uint64(v.InodeNum),
		Type:  uint32(v.Type),
		Size:  v.Size,
	}
	if bs, ok := v.Filesystem.(interface{ BlockSize() uint64 }); ok {
		st.BlockSize = uint32(bs.BlockSize())
	}
	return st
}

func copyOutStat(t *kernel.Task, addr usermem.Addr, st Stat) error {
	var b [StatSize]byte
	le := binary.LittleEndian
	le.PutUint64(b[0:], st.Inode)
	le.PutUint32(b[8:], st.Type)
	le.PutUint32(b[12:], st.BlockSize)
	le.PutUint64(b[16:], st.Size)
	mem, as := userIO(t)
	return platform.CopyOut(mem, as, addr, b[:])
}

func sysStat(t *kernel.Task, args [6]uint64) (uint64, error) {
	mem, as := userIO(t)
	path, err := platform.ReadCString(mem, as, usermem.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	v, err := t.Kernel().VFS().Resolve(path)
	if err != nil {
		return 0, err
	}
	return 0, copyOutStat(t, usermem.Addr(args[1]), statFor(v))
}

func sysFStat(t *kernel.Task, args [6]uint64) (uint64, error) {
	d, err := t.FDTable().Get(int(int64(args[0])))
	if err != nil {
		return 0, err
	}
	return 0, copyOutStat(t, usermem.Addr(args[1]), statFor(d.Vnode()))
}

// sysSetTerminalSettings reads a two-byte {echo, canonical} pair and
// applies it to the terminal behind fd.
func sysSetTerminalSettings(t *kernel.Task, args [6]uint64) (uint64, error) {
	d, err := t.FDTable().Get(int(int64(args[0])))
	if err != nil {
		return 0, err
	}
	v := d.Vnode()
	if v.Type != vfs.CharacterDevice {
		return 0, kernerr.InvalidArgument
	}
	term, ok := v.Context.(*tty.Terminal)
	if !ok {
		return 0, kernerr.NotSupported
	}

	var b [2]byte
	mem, as := userIO(t)
	if err := platform.CopyIn(mem, as, usermem.Addr(args[1]), b[:]); err != nil {
		return 0, err
	}
	term.SetSettings(tty.Settings{Echo: b[0] != 0, Canonical: b[1] != 0})
	return 0, nil
}
