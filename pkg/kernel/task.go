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
	"sync/atomic"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/platform"
)

// TaskState is a task's scheduling state.
type TaskState int32

// Task states.
const (
	// TaskNormal tasks are running or eligible to run.
	TaskNormal TaskState = iota

	// TaskBlocked tasks wait for an unblock/unsuspend; they stay in
	// their run queue and are skipped by selection.
	TaskBlocked

	// TaskWaitingForChild tasks wait for a child to exit.
	TaskWaitingForChild

	// TaskZombie tasks have exited and await reaping by the parent.
	TaskZombie
)

// syscallStackPages is the size of each task's dedicated kernel stack,
// used while servicing a system call.
const syscallStackPages = 3

// wake is the payload delivered to a suspended syscall: Unsuspend
// carries a value, Unblock does not.
type wake struct {
	value uint64
	has   bool
}

// Task is the unit of scheduling.
//
// The saved frame is owned by the task's scheduler and mutated only
// under its lock. The address space, descriptor table and userspace
// allocator are exclusive to the task; fork duplicates them while the
// parent is mid-syscall, so they are never accessed concurrently.
type Task struct {
	pid   uint64
	k     *Kernel
	sched *Scheduler

	// frame is the saved interrupt frame, sufficient to resume the
	// task on any CPU. Guarded by sched.mu.
	frame arch.InterruptFrame

	state atomic.Int32
	user  bool

	as      platform.AddressSpace
	fdTable *FDTable
	alloc   *UserAllocator
	tlsBase uint64

	// The dedicated syscall stack region. The TSS's IST entry is
	// pointed at stackTop whenever the task is selected.
	stackBase platform.PhysAddr
	stackTop  uint64

	parent *Task

	// mu guards children and exitStatus.
	mu         sync.Mutex
	children   []*Task
	exitStatus int

	// Syscall service machinery. Each task's syscall handlers run on
	// a dedicated goroutine (the Go rendition of the per-task kernel
	// stack); these channels carry the suspension handshake.
	svc         chan func() uint64
	resume      chan wake
	yielded     chan struct{}
	frameSaved  chan struct{}
	done        chan uint64
	inSyscall   atomic.Bool
	syscallDone chan struct{}

	// attached and suspended belong to the suspension handshake.
	// attached is true while the handler still occupies its CPU;
	// suspended is true once the dispatcher has been released.
	attached  bool
	suspended bool
}

// PID returns the task's identifier. PID 0 is a per-CPU idle task.
func (t *Task) PID() uint64 { return t.pid }

// Kernel returns the owning kernel.
func (t *Task) Kernel() *Kernel { return t.k }

// Scheduler returns the CPU the task is pinned to.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// State returns the task's scheduling state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *Task) setState(s TaskState) {
	t.state.Store(int32(s))
}

// AddressSpace returns the task's address space.
func (t *Task) AddressSpace() platform.AddressSpace { return t.as }

// FDTable returns the task's descriptor table.
func (t *Task) FDTable() *FDTable { return t.fdTable }

// Alloc returns the task's userspace virtual address allocator.
func (t *Task) Alloc() *UserAllocator { return t.alloc }

// SetTLSBase records the TLS base applied when the task's address
// space is active.
func (t *Task) SetTLSBase(addr uint64) {
	t.tlsBase = addr
	t.as.SetTLSBase(addr)
}

// ExitStatus returns the status recorded by exit. Meaningful only for
// zombies.
func (t *Task) ExitStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus
}

type contextKey int

const taskContextKey contextKey = iota

// Context returns a context carrying t, for filesystem operations that
// may need to block the calling task.
func (t *Task) Context() context.Context {
	return context.WithValue(context.Background(), taskContextKey, t)
}

// TaskFromContext returns the task carried by ctx, or nil.
func TaskFromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(taskContextKey).(*Task)
	return t
}

// serve is the task's syscall service loop. It runs on the task's
// dedicated goroutine for the task's whole lifetime.
func (t *Task) serve() {
	for fn := range t.svc {
		t.finishSyscall(fn())
	}
}

// finishSyscall publishes a completed handler's return value: to the
// waiting dispatcher if the handler never suspended, into the saved
// frame otherwise.
func (t *Task) finishSyscall(ret uint64) {
	t.attached = false
	if !t.suspended {
		t.done <- ret
		return
	}
	t.suspended = false
	s := t.sched
	s.mu.Lock()
	t.frame.SetReturn(ret)
	s.mu.Unlock()
	done := t.syscallDone
	t.inSyscall.Store(false)
	close(done)
}

// serveSyscall runs fn on the task's service goroutine and waits for
// it to either complete or suspend. Called from interrupt context.
func (t *Task) serveSyscall(fn func() uint64) (ret uint64, suspended bool) {
	t.inSyscall.Store(true)
	t.syscallDone = make(chan struct{})
	t.attached = true
	t.svc <- fn
	select {
	case ret = <-t.done:
		done := t.syscallDone
		t.inSyscall.Store(false)
		close(done)
		return ret, false
	case <-t.yielded:
		return 0, true
	}
}

// SyscallRunning reports whether a syscall handler is still executing
// on the task's kernel stack. The scheduler will not load the task's
// frame while this holds.
func (t *Task) SyscallRunning() bool {
	return t.inSyscall.Load()
}

// WaitSyscall blocks until the task's active syscall (if any) has
// completed and its return value is in the saved frame.
func (t *Task) WaitSyscall() {
	if done := t.syscallDone; done != nil && t.inSyscall.Load() {
		<-done
	}
}

// destroy tears down the task's resources at reap time.
func (t *Task) destroy() {
	close(t.svc)
	if t.as != nil {
		t.as.Release()
	}
	t.k.plat.Frames().FreeFrames(t.stackBase, syscallStackPages)
}
