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
	"fmt"

	"vesper.dev/vesper/pkg/loader"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/vfs"
)

// ttyPath is the device bound to a fresh program's standard
// descriptors.
const ttyPath = "/dev/tty"

// CreateTaskFromELF allocates a new address space, loads the ELF at
// path into it, binds descriptors 0, 1 and 2 to the terminal and
// enqueues the new task on s.
func (k *Kernel) CreateTaskFromELF(path string, user bool, s *Scheduler) (*Task, error) {
	as, err := k.plat.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	entry, stackPtr, err := loader.Load(k.vfs, k.plat.Memory(), k.plat.Frames(), as, path)
	if err != nil {
		return nil, err
	}

	t, err := k.newTask(taskOpts{
		sched:    s,
		as:       as,
		fdTable:  NewFDTable(),
		alloc:    NewUserAllocator(),
		entry:    entry,
		stackPtr: stackPtr,
		user:     user,
		setPID:   true,
	})
	if err != nil {
		return nil, err
	}

	for want := 0; want < 3; want++ {
		fd, err := t.fdTable.Open(context.Background(), k.vfs, ttyPath, vfs.OpenReadWrite)
		if err != nil {
			return nil, fmt.Errorf("binding standard descriptors: %w", err)
		}
		if fd != want {
			panic(fmt.Sprintf("exec: standard descriptor %d allocated as %d", want, fd))
		}
	}

	s.Enqueue(t)
	log.Task(t.pid).Infof("loaded %s, entry %#x", path, entry)
	return t, nil
}
