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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"vesper.dev/vesper/pkg/log"
)

type lsCmd struct{}

// Name implements subcommands.Command.Name.
func (*lsCmd) Name() string { return "ls" }

// Synopsis implements subcommands.Command.Synopsis.
func (*lsCmd) Synopsis() string { return "list a directory of an ext2 image" }

// Usage implements subcommands.Command.Usage.
func (*lsCmd) Usage() string {
	return `ls <image> <path>:
	List the directory at path, resolved through the kernel's VFS.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*lsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*lsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return subcommands.ExitUsageError
	}
	image, path := f.Arg(0), f.Arg(1)

	vfsObj, fs, dev, err := mountImage(image)
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	dir, err := vfsObj.Resolve(path)
	if err != nil {
		log.Errorf("resolving %q: %v", path, err)
		return subcommands.ExitFailure
	}
	entries, err := fs.Dirents(dir)
	if err != nil {
		log.Errorf("listing %q: %v", path, err)
		return subcommands.ExitFailure
	}
	for _, e := range entries {
		fmt.Printf("%8d  %s\n", e.Inode, e.Name)
	}
	return subcommands.ExitSuccess
}
