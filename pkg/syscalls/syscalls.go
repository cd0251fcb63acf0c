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

// Package syscalls defines the system call numbers and builds the
// kernel's dispatch table.
package syscalls

import (
	"vesper.dev/vesper/pkg/kernel"
)

// System call numbers. The gaps are historical and ABI-stable.
const (
	SysOpen                = 0
	SysRead                = 1
	SysWrite               = 2
	SysSeek                = 3
	SysClose               = 4
	SysFileMap             = 5
	SysTCBSet              = 6
	SysExit                = 8
	SysSleep               = 9
	SysStat                = 10
	SysFStat               = 11
	SysSetTerminalSettings = 12
	SysPanic               = 254
	SysLog                 = 255
)

// maxRWSize bounds a single read or write so a hostile count cannot
// exhaust kernel memory.
const maxRWSize = 1 << 24

// NewTable builds the standard syscall dispatch table.
func NewTable() *kernel.SyscallTable {
	tbl := kernel.NewSyscallTable()

	tbl.Register(SysOpen, kernel.Syscall{Name: "open", Fn: sysOpen})
	tbl.Register(SysRead, kernel.Syscall{Name: "read", Fn: sysRead})
	tbl.Register(SysWrite, kernel.Syscall{Name: "write", Fn: sysWrite})
	tbl.Register(SysSeek, kernel.Syscall{Name: "seek", Fn: sysSeek})
	tbl.Register(SysClose, kernel.Syscall{Name: "close", Fn: sysClose})
	tbl.Register(SysFileMap, kernel.Syscall{Name: "filemap", Fn: sysFileMap})
	tbl.Register(SysTCBSet, kernel.Syscall{Name: "tcbset", Fn: sysTCBSet})
	tbl.Register(SysExit, kernel.Syscall{Name: "exit", CPU: sysExit, NoReturn: true})
	tbl.Register(SysSleep, kernel.Syscall{Name: "sleep", Fn: sysSleep})
	tbl.Register(SysStat, kernel.Syscall{Name: "stat", Fn: sysStat})
	tbl.Register(SysFStat, kernel.Syscall{Name: "fstat", Fn: sysFStat})
	tbl.Register(SysSetTerminalSettings, kernel.Syscall{Name: "set_terminal_settings", Fn: sysSetTerminalSettings})
	tbl.Register(SysPanic, kernel.Syscall{Name: "panic", CPU: sysPanic, NoReturn: true})
	tbl.Register(SysLog, kernel.Syscall{Name: "log", Fn: sysLog})

	return tbl
}
