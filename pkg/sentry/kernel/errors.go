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

package kernel

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// Recoverable errors returned by thread and process operations.
var (
	// ErrIDExhausted is returned when a bounded id space is full.
	ErrIDExhausted = linuxerr.EAGAIN

	// ErrNoTarget is returned for a nil or already destroyed target.
	ErrNoTarget = linuxerr.ESRCH

	// ErrDetached is returned when joining or detaching a detached thread.
	ErrDetached = linuxerr.EINVAL

	// ErrSelfJoin is returned when a thread joins or detaches itself.
	ErrSelfJoin = linuxerr.EDEADLK

	// ErrMainThread is returned when joining or detaching a main thread,
	// which is only reaped through its process.
	ErrMainThread = linuxerr.EPERM

	// ErrNoMemory is returned when an allocation fails.
	ErrNoMemory = linuxerr.ENOMEM

	// ErrKernelProcess is returned when an operation would kill or add
	// threads to the kernel process.
	ErrKernelProcess = linuxerr.EPERM

	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = linuxerr.EINVAL

	// ErrLoad is returned when a process image cannot be loaded.
	ErrLoad = linuxerr.ENOEXEC
)
