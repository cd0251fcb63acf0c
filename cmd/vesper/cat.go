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
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"vesper.dev/vesper/pkg/log"
)

type catCmd struct{}

// Name implements subcommands.Command.Name.
func (*catCmd) Name() string { return "cat" }

// Synopsis implements subcommands.Command.Synopsis.
func (*catCmd) Synopsis() string { return "print a file from an ext2 image" }

// Usage implements subcommands.Command.Usage.
func (*catCmd) Usage() string {
	return `cat <image> <path>:
	Print the file at path. Binary contents going to a terminal are
	hex dumped instead.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*catCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*catCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return subcommands.ExitUsageError
	}
	image, path := f.Arg(0), f.Arg(1)

	vfsObj, _, dev, err := mountImage(image)
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	v, err := vfsObj.Resolve(path)
	if err != nil {
		log.Errorf("resolving %q: %v", path, err)
		return subcommands.ExitFailure
	}

	data := make([]byte, v.Size)
	n, err := v.Filesystem.Read(ctx, v, data, 0)
	if err != nil {
		log.Errorf("reading %q: %v", path, err)
		return subcommands.ExitFailure
	}
	data = data[:n]

	if bytes.ContainsRune(data, 0) && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(hex.Dump(data))
	} else {
		os.Stdout.Write(data)
	}
	return subcommands.ExitSuccess
}
