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

//go:build linux

package arch

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToHostCPU locks the calling goroutine to its OS thread and binds that
// thread to host CPU cpu (modulo the host CPU count).
func PinToHostCPU(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
