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
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// Image is an executable file handed to CreateProcess.
type Image struct {
	// Path is the absolute path of the executable.
	Path string
}

// ExecInfo describes a loaded image.
type ExecInfo struct {
	Entry       ThreadFunc
	StackTop    uintptr
	StackBottom uintptr
}

// Loader maps a process image into an address space.
type Loader interface {
	Load(img Image, as *AddressSpace) (ExecInfo, error)
}

// userStackTop is where the user stack of a new process ends.
const userStackTop uintptr = 0x7fff_ffff_f000

// userStackSize is the maximum size of a user stack.
const userStackSize uintptr = 8 << 20

// ProgramLoader loads programs registered by path. It stands in for a
// binary format loader.
type ProgramLoader struct {
	mu       sync.RWMutex
	programs map[string]ThreadFunc
}

// NewProgramLoader returns an empty loader.
func NewProgramLoader() *ProgramLoader {
	return &ProgramLoader{programs: make(map[string]ThreadFunc)}
}

// Register makes path loadable with entry point fn.
func (l *ProgramLoader) Register(path string, fn ThreadFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[path] = fn
}

// Load implements Loader.Load.
func (l *ProgramLoader) Load(img Image, as *AddressSpace) (ExecInfo, error) {
	l.mu.RLock()
	fn, ok := l.programs[img.Path]
	l.mu.RUnlock()
	if !ok {
		return ExecInfo{}, fmt.Errorf("load %q: %w", img.Path, ErrLoad)
	}
	as.mapStack(userStackTop-userStackSize, userStackTop)
	return ExecInfo{
		Entry:       fn,
		StackTop:    userStackTop,
		StackBottom: userStackTop - userStackSize,
	}, nil
}
