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

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"vesper.dev/vesper/pkg/arch"
	"vesper.dev/vesper/pkg/devices/tty"
	"vesper.dev/vesper/pkg/fsimpl/devfs"
	"vesper.dev/vesper/pkg/kernel"
	"vesper.dev/vesper/pkg/log"
	"vesper.dev/vesper/pkg/platform/hostsim"
	"vesper.dev/vesper/pkg/syscalls"
)

// bootConfig is the TOML boot configuration.
type bootConfig struct {
	MemoryMB int    `toml:"memory_mb"`
	CPUs     int    `toml:"cpus"`
	Image    string `toml:"image"`
	Init     string `toml:"init"`
}

func defaultBootConfig() bootConfig {
	return bootConfig{MemoryMB: 128, CPUs: 1, Init: "/bin/init"}
}

type bootCmd struct {
	config      string
	interactive bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string { return "boot the kernel over an ext2 image and load init" }

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot --config <boot.toml> [--interactive]:
	Bring up the kernel core on the host platform, mount the image,
	load the init program and report the resulting machine state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.config, "config", "boot.toml", "boot configuration file")
	f.BoolVar(&b.interactive, "interactive", false, "feed host stdin to /dev/tty")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := defaultBootConfig()
	if _, err := toml.DecodeFile(b.config, &cfg); err != nil {
		log.Errorf("reading %s: %v", b.config, err)
		return subcommands.ExitFailure
	}
	if cfg.Image == "" {
		log.Errorf("%s does not name an image", b.config)
		return subcommands.ExitUsageError
	}

	vfsObj, _, dev, err := mountImage(cfg.Image)
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	machine := hostsim.New(uint64(cfg.MemoryMB)<<20, cfg.CPUs)
	k := kernel.New(machine, vfsObj)
	k.SetSyscallTable(syscalls.NewTable())

	devFS := devfs.NewFilesystem(vfsObj.Cache())
	terminal := tty.NewTerminal(k, "tty", os.Stdout)
	devFS.Register(terminal)
	if err := vfsObj.Mount(devFS, "/dev"); err != nil {
		log.Errorf("mounting devfs at /dev: %v", err)
		return subcommands.ExitFailure
	}

	if err := k.StartCores(); err != nil {
		log.Errorf("starting cores: %v", err)
		return subcommands.ExitFailure
	}

	initTask, err := k.CreateTaskFromELF(cfg.Init, true, k.Scheduler(0))
	if err != nil {
		log.Errorf("loading %s: %v", cfg.Init, err)
		return subcommands.ExitFailure
	}

	// Deliver one timer tick per core so every scheduler selects a
	// task and activates its address space.
	var g errgroup.Group
	for i := 0; i < k.CPUCount(); i++ {
		s := k.Scheduler(i)
		g.Go(func() error {
			frame := arch.InterruptFrame{InterruptNumber: arch.TimerVector}
			s.HandleInterrupt(&frame)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("scheduling: %v", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("booted %d core(s), init pid %d running %s\n", k.CPUCount(), initTask.PID(), cfg.Init)

	if b.interactive {
		if err := b.console(terminal); err != nil {
			log.Errorf("console: %v", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// console switches the host terminal to raw mode and feeds every byte
// to the kernel's tty, demonstrating the line discipline end to end.
func (b *bootCmd) console(terminal *tty.Terminal) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, old)
	}
	terminal.SetSettings(tty.Settings{Echo: true})

	r := bufio.NewReader(os.Stdin)
	for {
		c, err := r.ReadByte()
		if err != nil || c == 0x04 { // ctrl-d
			return nil
		}
		terminal.KeyboardInput(c)
	}
}
