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
	"fmt"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
)

// sysExit never returns to the caller: the frame is dropped and the
// CPU switches to the next runnable task.
func sysExit(s *kernel.Scheduler, frame *arch.InterruptFrame, args [6]uint64) (uint64, error) {
	s.ExitCurrent(int(int64(args[0])), frame)
	return 0, nil
}

func sysSleep(t *kernel.Task, args [6]uint64) (uint64, error) {
	if err := t.Sleep(args[0]); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysTCBSet(t *kernel.Task, args [6]uint64) (uint64, error) {
	t.SetTLSBase(args[0])
	return 0, nil
}

func sysLog(t *kernel.Task, args [6]uint64) (uint64, error) {
	mem, as := userIO(t)
	msg, err := platform.ReadCString(mem, as, usermem.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	log.Task(t.PID()).Info(msg)
	return 0, nil
}

// sysPanic halts the core: unrecoverable by contract.
func sysPanic(s *kernel.Scheduler, frame *arch.InterruptFrame, args [6]uint64) (uint64, error) {
	t := s.Current()
	mem, as := t.Kernel().Platform().Memory(), t.AddressSpace()
	msg, err := platform.ReadCString(mem, as, usermem.Addr(args[0]))
	if err != nil {
		msg = "(unreadable panic message)"
	}
	log.Task(t.PID()).Errorf("userspace panic: %s", msg)
	panic(fmt.Sprintf("userspace panic from task %d: %s", t.PID(), msg))
}
