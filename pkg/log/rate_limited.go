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

package log

import (
	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	limit *rate.Limiter
}

func (rl *rateLimitedLogger) Warningf(format string, args ...any) {
	if rl.limit.Allow() {
		Warningf(format, args...)
	}
}

// BasicRateLimitedLogger returns a Warningf-shaped logger that emits at
// most the given number of messages per second. Interrupt-path code
// (spurious vectors, repeated faults) uses this so a wedged device
// cannot flood the console.
func BasicRateLimitedLogger(logsPerSecond int) interface{ Warningf(string, ...any) } {
	return &rateLimitedLogger{
		limit: rate.NewLimiter(rate.Limit(logsPerSecond), logsPerSecond),
	}
}
