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

// Package log provides the kernel's structured logging. The serial
// console of a hardware kernel maps here to a logrus logger; per-core
// and per-task fields keep interleaved output attributable.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	return l
}

// SetOutput redirects all kernel logging to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLevel sets the minimum emitted level.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// Debugf emits a debug-level message.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Infof emits an info-level message.
func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

// Warningf emits a warning-level message.
func Warningf(format string, args ...any) {
	logger.Warningf(format, args...)
}

// Errorf emits an error-level message.
func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Core returns an entry tagged with the originating CPU core.
func Core(id uint32) *logrus.Entry {
	return logger.WithField("core", id)
}

// Task returns an entry tagged with the originating task.
func Task(pid uint64) *logrus.Entry {
	return logger.WithField("pid", pid)
}
