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

// Package kernerr contains the kernel error kinds exported as error
// interface pointers. This allows for fast comparison and return
// operations throughout the kernel; the syscall dispatcher is the only
// place that turns a kind into its negative ABI encoding.
package kernerr

import "errors"

// Code identifies an error kind. Codes are ABI-stable: userspace sees
// the two's-complement negation of a Code in the syscall return
// register.
type Code uint64

// Error kind codes.
const (
	CodeNotFound Code = iota + 1
	CodeNotSupported
	CodeInvalidArgument
	CodeNoSuchDescriptor
	CodeAccessDenied
	CodeOutOfMemory
	CodeInvalidFormat
	CodeIoError
	CodeWouldBlock
)

// Error implements error with an attached kind code.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the error's kind code.
func (e *Error) Code() Code { return e.code }

// The canonical error for each kind. Kernel code returns these
// directly, or wraps them with fmt.Errorf("...: %w", ...) to attach
// context without losing the kind.
var (
	NotFound         = New(CodeNotFound, "no such file or directory")
	NotSupported     = New(CodeNotSupported, "operation not supported")
	InvalidArgument  = New(CodeInvalidArgument, "invalid argument")
	NoSuchDescriptor = New(CodeNoSuchDescriptor, "bad file descriptor")
	AccessDenied     = New(CodeAccessDenied, "access denied")
	OutOfMemory      = New(CodeOutOfMemory, "out of memory")
	InvalidFormat    = New(CodeInvalidFormat, "invalid format")
	IoError          = New(CodeIoError, "input/output error")
	WouldBlock       = New(CodeWouldBlock, "operation would block")
)

// CodeOf extracts the kind code from err, unwrapping as needed. Errors
// that carry no kind report CodeIoError; they indicate a kernel-internal
// failure surfacing to userspace.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeIoError
}

// Errno converts err to the syscall ABI encoding: the two's-complement
// negation of its kind code, as an unsigned 64-bit register value.
func Errno(err error) uint64 {
	return -uint64(CodeOf(err))
}
