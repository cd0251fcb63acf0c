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

//go:build linux

package blockdev

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// File is a Device backed by a memory-mapped host file. The image is
// locked for the lifetime of the device so two kernels cannot mount the
// same image read-write.
type File struct {
	f    *os.File
	lock *flock.Flock
	data []byte
}

// OpenFile maps the image at path.
func OpenFile(path string) (*File, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking image %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("image %q is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("mapping image %q: %w", path, err)
	}
	return &File{f: f, lock: lock, data: data}, nil
}

// ReadAt implements io.ReaderAt.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return NewMemory(d.data).ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	return NewMemory(d.data).WriteAt(p, off)
}

// Size implements Device.Size.
func (d *File) Size() int64 { return int64(len(d.data)) }

// Close implements Device.Close.
func (d *File) Close() error {
	err := unix.Munmap(d.data)
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
