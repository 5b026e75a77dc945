// Copyright 2026 The NaOS Authors.
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

// Package halt implements the unrecoverable error tier of the kernel.
//
// A fatal condition means scheduler or allocator state can no longer be
// trusted. Fatalf logs a diagnostic and panics with an *Error; callers never
// turn it into an ordinary error return.
package halt

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
)

// Error is the value carried by a kernel halt.
type Error struct {
	Msg string
}

// Error implements error.
func (e *Error) Error() string {
	return "kernel halt: " + e.Msg
}

// Fatalf halts the kernel with a formatted diagnostic.
func Fatalf(format string, v ...any) {
	e := &Error{Msg: fmt.Sprintf(format, v...)}
	log.Warningf("%s", e.Error())
	panic(e)
}

// Assert halts the kernel if cond is false.
func Assert(cond bool, format string, v ...any) {
	if !cond {
		Fatalf(format, v...)
	}
}

// Unreachable halts the kernel for control flow that must not happen.
func Unreachable(what string) {
	Fatalf("unreachable control flow: %s", what)
}

// FromPanic returns the *Error carried by a recovered panic value, if any.
func FromPanic(r any) (*Error, bool) {
	err, ok := r.(error)
	if !ok {
		return nil, false
	}
	var he *Error
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
