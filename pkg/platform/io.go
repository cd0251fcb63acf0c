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

package platform

import (
	"vesper.dev/vesper/pkg/errors/kernerr"
	"vesper.dev/vesper/pkg/usermem"
)

// maxCStringLen bounds ReadCString so an unterminated user string
// cannot walk the whole address space.
const maxCStringLen = 4096

// window returns the kernel view of user memory at addr, clipped to the
// end of addr's page. A failed translation is the user's fault.
func window(mem Memory, as AddressSpace, addr usermem.Addr) ([]byte, error) {
	phys, ok := as.Translate(addr)
	if !ok {
		return nil, kernerr.InvalidArgument
	}
	n := usermem.PageSize - addr.PageOffset()
	return mem.Slice(phys, n), nil
}

// CopyIn copies len(dst) bytes from the user address addr into dst.
func CopyIn(mem Memory, as AddressSpace, addr usermem.Addr, dst []byte) error {
	for len(dst) > 0 {
		w, err := window(mem, as, addr)
		if err != nil {
			return err
		}
		n := copy(dst, w)
		dst = dst[n:]
		addr += usermem.Addr(n)
	}
	return nil
}

// CopyOut copies src to the user address addr.
func CopyOut(mem Memory, as AddressSpace, addr usermem.Addr, src []byte) error {
	for len(src) > 0 {
		w, err := window(mem, as, addr)
		if err != nil {
			return err
		}
		n := copy(w, src)
		src = src[n:]
		addr += usermem.Addr(n)
	}
	return nil
}

// ZeroRange writes n zero bytes at the user address addr.
func ZeroRange(mem Memory, as AddressSpace, addr usermem.Addr, n uint64) error {
	for n > 0 {
		w, err := window(mem, as, addr)
		if err != nil {
			return err
		}
		c := uint64(len(w))
		if c > n {
			c = n
		}
		clear(w[:c])
		n -= c
		addr += usermem.Addr(c)
	}
	return nil
}

// ReadCString reads a NUL-terminated string from the user address addr.
func ReadCString(mem Memory, as AddressSpace, addr usermem.Addr) (string, error) {
	var out []byte
	for len(out) < maxCStringLen {
		w, err := window(mem, as, addr)
		if err != nil {
			return "", err
		}
		for i, b := range w {
			if b == 0 {
				return string(append(out, w[:i]...)), nil
			}
		}
		out = append(out, w...)
		addr += usermem.Addr(len(w))
	}
	return "", kernerr.InvalidArgument
}
