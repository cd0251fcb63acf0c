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

// Package kernel implements the multitasking core: tasks, per-CPU
// round-robin schedulers, the syscall service machinery, descriptor
// tables and task lifecycle (fork, exec, exit, wait).
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/platform"
	"vesper.dev/vesper/pkg/usermem"
	"vesper.dev/vesper/pkg/vfs"
)

// Kernel is the process-wide kernel state: the task registry, the PID
// counter, the VFS and one scheduler per CPU.
type Kernel struct {
	plat platform.Platform
	vfs  *vfs.VirtualFilesystem

	// pidCounter allocates PIDs monotonically. PID 0 is reserved for
	// the per-CPU idle tasks; wrap-around of the 64-bit counter is
	// not handled.
	pidCounter atomic.Uint64

	// tasksMu guards tasks.
	tasksMu sync.Mutex
	tasks   map[uint64]*Task

	// tssInitMu serializes TSS construction during core bring-up.
	tssInitMu sync.Mutex

	cpusMu sync.Mutex
	cpus   []*Scheduler

	table *SyscallTable
}

// New returns a kernel over the given platform and VFS. Call
// StartCores before creating tasks.
func New(plat platform.Platform, vfsObj *vfs.VirtualFilesystem) *Kernel {
	return &Kernel{
		plat:  plat,
		vfs:   vfsObj,
		tasks: make(map[uint64]*Task),
		table: NewSyscallTable(),
	}
}

// Platform returns the kernel's platform.
func (k *Kernel) Platform() platform.Platform { return k.plat }

// VFS returns the kernel's virtual filesystem.
func (k *Kernel) VFS() *vfs.VirtualFilesystem { return k.vfs }

// SetSyscallTable installs the syscall dispatch table.
func (k *Kernel) SetSyscallTable(tbl *SyscallTable) { k.table = tbl }

// SyscallTable returns the installed dispatch table.
func (k *Kernel) SyscallTable() *SyscallTable { return k.table }

// StartCores brings up one scheduler per CPU in the boot handoff's SMP
// table: the BSP inline, application cores by writing their boot
// stacks and entry cookie. In the host-backed platform the "cores" are
// driven by whoever delivers interrupts to their schedulers.
func (k *Kernel) StartCores() error {
	smp := k.plat.SMP()
	if len(smp) == 0 {
		return fmt.Errorf("boot handoff lists no CPUs: %w", kernerr.InvalidArgument)
	}

	for i, info := range smp {
		if i > 0 {
			stack, err := k.plat.Frames().AllocFrame()
			if err != nil {
				return err
			}
			info.TargetStack = arch.KernelBase + uint64(stack) + usermem.PageSize
			info.GotoAddress = coreEntryCookie
		}
		if err := k.InitializeCore(info.LAPICID); err != nil {
			return err
		}
	}
	return nil
}

// coreEntryCookie stands in for the physical address of the core entry
// trampoline in the boot handoff.
const coreEntryCookie = 0x1000

// InitializeCore constructs core id's TSS and scheduler and registers
// the scheduler with the kernel.
func (k *Kernel) InitializeCore(id uint32) error {
	k.tssInitMu.Lock()
	tss := k.plat.NewTSS()
	k.tssInitMu.Unlock()

	s, err := newScheduler(k, id, k.plat.NewTimer(), tss)
	if err != nil {
		return err
	}
	s.configureTimerClosestExpiry()

	k.cpusMu.Lock()
	k.cpus = append(k.cpus, s)
	k.cpusMu.Unlock()

	log.Core(id).Info("core initialized")
	return nil
}

// Scheduler returns CPU i's scheduler.
func (k *Kernel) Scheduler(i int) *Scheduler {
	k.cpusMu.Lock()
	defer k.cpusMu.Unlock()
	return k.cpus[i]
}

// CPUCount returns the number of initialized cores.
func (k *Kernel) CPUCount() int {
	k.cpusMu.Lock()
	defer k.cpusMu.Unlock()
	return len(k.cpus)
}

// TaskByPID returns the live task with the given PID, or nil.
func (k *Kernel) TaskByPID(pid uint64) *Task {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	return k.tasks[pid]
}

// Unblock transitions a Blocked task back to Normal without delivering
// a value: the task's syscall resumes with whatever was previously in
// its return register.
func (k *Kernel) Unblock(pid uint64) {
	t := k.TaskByPID(pid)
	if t == nil {
		panic(fmt.Sprintf("kernel: unblock of unknown pid %d", pid))
	}
	t.sched.unblock(t)
}

// Unsuspend transitions a Blocked or WaitingForChild task back to
// Normal and sets its syscall return value.
func (k *Kernel) Unsuspend(pid uint64, value uint64) {
	t := k.TaskByPID(pid)
	if t == nil {
		panic(fmt.Sprintf("kernel: unsuspend of unknown pid %d", pid))
	}
	t.sched.unsuspend(t, value)
}

// taskOpts carries newTask parameters.
type taskOpts struct {
	sched    *Scheduler
	as       platform.AddressSpace
	fdTable  *FDTable
	alloc    *UserAllocator
	entry    uint64
	stackPtr uint64
	user     bool
	setPID   bool
}

// newTask builds a task: the initial frame, the dedicated syscall
// stack and the service goroutine. The caller enqueues it.
func (k *Kernel) newTask(opts taskOpts) (*Task, error) {
	stackBase, err := k.plat.Frames().AllocFrames(syscallStackPages)
	if err != nil {
		return nil, err
	}

	t := &Task{
		k:          k,
		sched:      opts.sched,
		user:       opts.user,
		as:         opts.as,
		fdTable:    opts.fdTable,
		alloc:      opts.alloc,
		stackBase:  stackBase,
		stackTop:   arch.KernelBase + uint64(stackBase) + syscallStackPages*usermem.PageSize,
		svc:        make(chan func() uint64),
		resume:     make(chan wake, 1),
		yielded:    make(chan struct{}),
		frameSaved: make(chan struct{}),
		done:       make(chan uint64),
	}
	t.frame = arch.NewUserFrame(opts.entry, opts.stackPtr, opts.user)

	if opts.setPID {
		t.pid = k.pidCounter.Add(1)
		k.tasksMu.Lock()
		k.tasks[t.pid] = t
		k.tasksMu.Unlock()
	}

	go t.serve()
	return t, nil
}

// CreateTask builds a runnable task with a fresh empty address space,
// descriptor table and allocator, entering at entry with the given
// stack pointer. The caller enqueues it.
func (k *Kernel) CreateTask(s *Scheduler, entry, stackPtr uint64, user bool) (*Task, error) {
	as, err := k.plat.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return k.newTask(taskOpts{
		sched:    s,
		as:       as,
		fdTable:  NewFDTable(),
		alloc:    NewUserAllocator(),
		entry:    entry,
		stackPtr: stackPtr,
		user:     user,
		setPID:   true,
	})
}

// WaitForChild suspends t until one of its children exits, then reaps
// the child and returns its PID and exit status. If a zombie child
// already exists it is reaped immediately.
//
// Preconditions: must be called from a syscall handler running on t's
// service goroutine. Without children it returns InvalidArgument and
// leaves t Normal.
func (k *Kernel) WaitForChild(t *Task) (uint64, int, error) {
	// Move out of Normal before scanning, so a child exiting during
	// the scan reliably finds us waiting (or we reliably find it
	// zombie).
	t.BeginSuspend(TaskWaitingForChild)

	t.mu.Lock()
	var zombie *Task
	for _, c := range t.children {
		if c.State() == TaskZombie {
			zombie = c
			break
		}
	}
	hasChildren := len(t.children) > 0
	t.mu.Unlock()

	if !hasChildren {
		t.CancelSuspend()
		return 0, 0, kernerr.InvalidArgument
	}
	if zombie != nil {
		t.CancelSuspend()
	} else {
		pid := t.Park()
		zombie = k.TaskByPID(pid)
		if zombie == nil || zombie.State() != TaskZombie {
			panic(fmt.Sprintf("kernel: woken for pid %d which is not a zombie child", pid))
		}
	}

	status := zombie.ExitStatus()
	pid := zombie.pid
	k.reap(t, zombie)
	return pid, status, nil
}

// reap removes a zombie child from the registry and releases its
// resources.
func (k *Kernel) reap(parent, child *Task) {
	parent.mu.Lock()
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()

	k.tasksMu.Lock()
	delete(k.tasks, child.pid)
	k.tasksMu.Unlock()

	child.destroy()
}
