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
	"sort"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Standard descriptors.
const (
	Stdin  int32 = 0
	Stdout int32 = 1
	Stderr int32 = 2
)

// File is an open file as seen by the resource table. The file system
// behind it is not part of the kernel core.
type File interface {
	// Name returns the path the file was opened with.
	Name() string

	// Clone returns a new reference to the same file.
	Clone() File

	// Close releases this reference.
	Close()
}

// ResourceTable is a process's open files and directories.
type ResourceTable struct {
	mu    sync.Mutex
	root  string
	cwd   string
	files map[int32]File
	ids   *IDGenerator
}

func newResourceTable() *ResourceTable {
	return &ResourceTable{
		root:  "/",
		cwd:   "/",
		files: make(map[int32]File),
		ids:   NewIDGenerator(fileIDLevels),
	}
}

// Root returns the root directory.
func (r *ResourceTable) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// WorkDir returns the working directory.
func (r *ResourceTable) WorkDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwd
}

func (r *ResourceTable) setDirs(root, cwd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root, r.cwd = root, cwd
}

// reserveStdio tags descriptors 0-2 so Install never hands them out.
func (r *ResourceTable) reserveStdio() {
	for fd := Stdin; fd <= Stderr; fd++ {
		r.ids.Tag(int64(fd))
	}
}

// setStdio installs f at a reserved standard descriptor.
func (r *ResourceTable) setStdio(fd int32, f File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f == nil {
		delete(r.files, fd)
		return
	}
	r.files[fd] = f
}

// Install adds f and returns its descriptor.
func (r *ResourceTable) Install(f File) (int32, error) {
	id := r.ids.Next()
	if id == NullID {
		return -1, fmt.Errorf("install %s: %w", f.Name(), ErrIDExhausted)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[int32(id)] = f
	return int32(id), nil
}

// Get returns the file at fd, or nil.
func (r *ResourceTable) Get(fd int32) File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[fd]
}

// Remove closes and removes fd. It reports whether fd was open.
func (r *ResourceTable) Remove(fd int32) bool {
	r.mu.Lock()
	f, ok := r.files[fd]
	delete(r.files, fd)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if fd > Stderr {
		r.ids.Collect(int64(fd))
	}
	f.Close()
	return true
}

// Len returns the number of open descriptors.
func (r *ResourceTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Clear closes every descriptor.
func (r *ResourceTable) Clear() {
	r.mu.Lock()
	fds := make([]int32, 0, len(r.files))
	for fd := range r.files {
		fds = append(fds, fd)
	}
	r.mu.Unlock()
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	for _, fd := range fds {
		r.Remove(fd)
	}
}

// Console is an in-memory terminal file. Writes go to the kernel log.
type Console struct {
	name string
	refs *atomicbitops.Int64
}

// NewConsole returns a console file with one reference.
func NewConsole(name string) *Console {
	refs := &atomicbitops.Int64{}
	refs.Store(1)
	return &Console{name: name, refs: refs}
}

// Name implements File.Name.
func (c *Console) Name() string {
	return c.name
}

// Clone implements File.Clone.
func (c *Console) Clone() File {
	c.refs.Add(1)
	return &Console{name: c.name, refs: c.refs}
}

// Close implements File.Close.
func (c *Console) Close() {
	if c.refs.Add(-1) < 0 {
		log.Warningf("console %s: close of released file", c.name)
	}
}

// Refs returns the number of live references to the console.
func (c *Console) Refs() int64 {
	return c.refs.Load()
}

// Write logs p as console output.
func (c *Console) Write(p []byte) (int, error) {
	log.Infof("%s: %s", c.name, p)
	return len(p), nil
}
