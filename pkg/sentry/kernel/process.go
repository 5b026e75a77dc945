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

	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/spinlock"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// ProcessID is a process identifier.
type ProcessID int32

// Process attribute flags.
const (
	// ProcExiting is set when ExitProcess starts. Threads stopping from
	// then on are destroyed without waiting for joiners.
	ProcExiting uint32 = 1 << iota

	// ProcNoThread is set once ExitProcess has stopped every thread.
	ProcNoThread

	// ProcDestroy is set once the process may be freed.
	ProcDestroy
)

// CreateFlags modify process and thread creation.
type CreateFlags uint32

// Creation flags.
const (
	// CreateRealTimeRR puts the new thread in the round-robin class.
	CreateRealTimeRR CreateFlags = 1 << iota

	// CreateDetached creates a detached thread.
	CreateDetached

	CreateNoSharedStdin
	CreateNoSharedStdout
	CreateNoSharedStderr

	// CreateNoSharedRoot gives the process the global root instead of its
	// parent's.
	CreateNoSharedRoot

	// CreateSharedWorkDir gives a user process its parent's working
	// directory instead of the image's directory.
	CreateSharedWorkDir
)

// Region is a mapped range of an address space.
type Region struct {
	Start uintptr
	End   uintptr
}

// AddressSpace describes a process's memory map. Only stack regions are
// tracked.
type AddressSpace struct {
	kernel bool

	mu      sync.Mutex
	regions []Region
}

// Kernel reports whether this is the shared kernel address space.
func (as *AddressSpace) Kernel() bool {
	return as.kernel
}

func (as *AddressSpace) mapStack(start, end uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.regions = append(as.regions, Region{Start: start, End: end})
}

// allocStack maps a user stack below the lowest mapped stack.
func (as *AddressSpace) allocStack() (bottom, top uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	top = userStackTop
	for _, r := range as.regions {
		if r.Start < top {
			top = r.Start
		}
	}
	top -= pageSize
	bottom = top - userStackSize
	as.regions = append(as.regions, Region{Start: bottom, End: top})
	return bottom, top
}

// Regions returns the mapped regions.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]Region(nil), as.regions...)
}

const pageSize = 4096

// NumSignals is the size of a signal action table.
const NumSignals = 64

// SignalActions is a user process's signal disposition table.
type SignalActions struct {
	mu       sync.Mutex
	handlers [NumSignals]uintptr
}

// Set installs handler for signal sig.
func (s *SignalActions) Set(sig int, handler uintptr) error {
	if sig <= 0 || sig >= NumSignals {
		return fmt.Errorf("signal %d: %w", sig, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[sig] = handler
	return nil
}

// Get returns the handler of signal sig.
func (s *SignalActions) Get(sig int) uintptr {
	if sig <= 0 || sig >= NumSignals {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[sig]
}

// Process owns a set of threads and their shared resources.
type Process struct {
	pid    ProcessID
	parent ProcessID

	// mu protects threads and main.
	mu      spinlock.SpinLock
	threads []*Thread
	main    *Thread

	as      *AddressSpace
	res     *ResourceTable
	signals *SignalActions

	exitCode atomicbitops.Int64
	attrs    atomicbitops.Uint32

	waitQ   WaitQueue
	waiters atomicbitops.Int32

	tids *IDGenerator
}

// PID returns the process id.
func (p *Process) PID() ProcessID {
	return p.pid
}

// Parent returns the parent's process id.
func (p *Process) Parent() ProcessID {
	return p.parent
}

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *AddressSpace {
	return p.as
}

// Resources returns the resource table.
func (p *Process) Resources() *ResourceTable {
	return p.res
}

// SignalActions returns the signal table, nil for kernel processes.
func (p *Process) SignalActions() *SignalActions {
	return p.signals
}

// ExitCode returns the code stored by ExitProcess.
func (p *Process) ExitCode() int64 {
	return p.exitCode.Load()
}

// Has reports whether all flags in attr are set.
func (p *Process) Has(attr uint32) bool {
	return p.attrs.Load()&attr == attr
}

func (p *Process) setAttr(attr uint32) {
	for {
		old := p.attrs.Load()
		if old&attr == attr || p.attrs.CompareAndSwap(old, old|attr) {
			return
		}
	}
}

// testAndSetAttr sets attr and reports whether this call set it.
func (p *Process) testAndSetAttr(attr uint32) bool {
	for {
		old := p.attrs.Load()
		if old&attr != 0 {
			return false
		}
		if p.attrs.CompareAndSwap(old, old|attr) {
			return true
		}
	}
}

// Waiters returns the number of threads waiting for the process to exit.
func (p *Process) Waiters() int32 {
	return p.waiters.Load()
}

// MainThread returns the main thread.
func (p *Process) MainThread(c *CPU) *Thread {
	g := p.mu.LockIRQ(c.arch)
	defer g.Unlock()
	return p.main
}

// Threads returns the threads of p ordered by id.
func (p *Process) Threads(c *CPU) []*Thread {
	g := p.mu.LockIRQ(c.arch)
	ts := append([]*Thread(nil), p.threads...)
	g.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].tid < ts[j].tid })
	return ts
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

// removeThread unlinks t. It returns false if t was already unlinked. The
// caller holds p.mu.
func (p *Process) removeThread(t *Thread) bool {
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return true
		}
	}
	return false
}

func (k *Kernel) allocProcess(c *CPU, as *AddressSpace, signals *SignalActions) (*Process, error) {
	p, err := k.processSlab.New()
	if err != nil {
		return nil, fmt.Errorf("process: %w", ErrNoMemory)
	}
	p.as = as
	p.signals = signals
	p.res = newResourceTable()
	p.tids = NewIDGenerator(threadIDLevels)

	g := k.procMu.LockIRQ(c.arch)
	id := k.pids.Next()
	if id != NullID {
		p.pid = ProcessID(id)
		k.procs[p.pid] = p
	}
	g.Unlock()
	if id == NullID {
		k.processSlab.Delete(p)
		return nil, fmt.Errorf("process id: %w", ErrIDExhausted)
	}
	return p, nil
}

// newKernelProcess creates process 0 before any core is initialized.
func (k *Kernel) newKernelProcess() (*Process, error) {
	p, err := k.allocProcess(k.cpus[0], k.kernelAS, nil)
	if err != nil {
		return nil, err
	}
	halt.Assert(p.pid == 0, "kernel process got pid %d", p.pid)
	return p, nil
}

// deleteProcess frees p. Only the first call for a process has an effect.
func (k *Kernel) deleteProcess(c *CPU, p *Process) {
	g := k.procMu.LockIRQ(c.arch)
	if k.procs[p.pid] != p {
		g.Unlock()
		return
	}
	delete(k.procs, p.pid)
	k.pids.Collect(int64(p.pid))
	g.Unlock()

	p.res.Clear()
	log.Debugf("%v destroyed", p)
	k.processSlab.Delete(p)
}

// newThread allocates a thread in p without scheduling it.
func (k *Kernel) newThread(c *CPU, p *Process, name string, fn ThreadFunc, arg uint64, class Class, mask CPUMask) (*Thread, error) {
	id := p.tids.Next()
	if id == NullID {
		return nil, fmt.Errorf("thread id in %v: %w", p, ErrIDExhausted)
	}
	t, err := k.threadSlab.New()
	if err != nil {
		p.tids.Collect(id)
		return nil, fmt.Errorf("thread in %v: %w", p, ErrNoMemory)
	}
	stack, err := k.stacks.Alloc()
	if err != nil {
		k.threadSlab.Delete(t)
		p.tids.Collect(id)
		return nil, fmt.Errorf("kernel stack in %v: %w", p, ErrNoMemory)
	}
	t.tid = ThreadID(id)
	t.process = p
	t.name = name
	t.fn = fn
	t.arg = arg
	t.class = class
	t.stack = stack
	t.mask.Store(uint64(mask))
	t.state.Store(uint32(StateReady))
	t.ctx = arch.NewContext(func() { k.threadMain(t) })

	g := p.mu.LockIRQ(c.arch)
	p.threads = append(p.threads, t)
	g.Unlock()
	return t, nil
}

// threadMain is the first code run by a new thread's context.
func (k *Kernel) threadMain(t *Thread) {
	c := k.CPUOf(t)
	k.finishSwitch(c)
	c.arch.EnableInterrupts()

	ret := t.fn(k, t, t.arg)
	if t.Has(AttrMain) {
		k.ExitCurrentProcess(t, ret)
	} else {
		k.ExitCurrentThread(t, ret)
	}
	halt.Unreachable("thread returned after exit")
}

// homeCPU picks the core a new thread starts on: the creating core if
// allowed, otherwise the allowed core with the fewest ready threads.
func (k *Kernel) homeCPU(c *CPU, mask CPUMask) int {
	if c.id < len(k.cpus) && mask.Has(c.id) {
		return c.id
	}
	best, load := -1, 0
	for i := range k.cpus {
		if !mask.Has(i) {
			continue
		}
		if n := k.Runnable(i); best < 0 || n < load {
			best, load = i, n
		}
	}
	return best
}

// start assigns t to a core and hands it to its policy.
func (k *Kernel) start(c *CPU, t *Thread) {
	cpu := k.homeCPU(c, t.CPUMask())
	halt.Assert(cpu >= 0, "thread %v: mask %#x allows no cpu", t, t.mask.Load())
	t.cpu.Store(int32(cpu))
	k.policyOf(t).Add(c, t)
	k.kickIfIdle(cpu)
}

func classOf(flags CreateFlags) Class {
	if flags&CreateRealTimeRR != 0 {
		return ClassRoundRobin
	}
	return ClassFair
}

// CreateThread creates a thread in p running fn(arg) and makes it ready.
func (k *Kernel) CreateThread(c *CPU, p *Process, name string, fn ThreadFunc, arg uint64, flags CreateFlags) (*Thread, error) {
	if p == nil {
		return nil, ErrNoTarget
	}
	if p == k.kernelProc {
		return nil, ErrKernelProcess
	}
	if p.Has(ProcExiting) {
		return nil, fmt.Errorf("%v is exiting: %w", p, ErrNoTarget)
	}
	t, err := k.newThread(c, p, name, fn, arg, classOf(flags), k.allCPUs)
	if err != nil {
		return nil, err
	}
	if !p.as.Kernel() {
		t.userStackBottom, t.userStackTop = p.as.allocStack()
	}
	if flags&CreateDetached != 0 {
		t.setAttr(AttrDetached)
	}
	k.start(c, t)
	log.Debugf("created thread %v (%s) on cpu %d", t, name, t.CPU())
	return t, nil
}

// parentOf returns the process creating a new one on c.
func (k *Kernel) parentOf(c *CPU) *Process {
	if cur := c.Current(); cur != nil {
		return cur.process
	}
	return k.kernelProc
}

// inheritStdio fills p's standard descriptors with new references to the
// parent's files.
func inheritStdio(p, parent *Process, flags CreateFlags) {
	skip := [3]bool{
		flags&CreateNoSharedStdin != 0,
		flags&CreateNoSharedStdout != 0,
		flags&CreateNoSharedStderr != 0,
	}
	p.res.reserveStdio()
	for fd := Stdin; fd <= Stderr; fd++ {
		if skip[fd] {
			continue
		}
		f := parent.res.Get(fd)
		if f == nil {
			continue
		}
		p.res.setStdio(fd, f.Clone())
	}
}

func (k *Kernel) startMain(c *CPU, p *Process, name string, fn ThreadFunc, arg uint64, flags CreateFlags) (*Thread, error) {
	t, err := k.newThread(c, p, name, fn, arg, classOf(flags), k.allCPUs)
	if err != nil {
		return nil, err
	}
	t.setAttr(AttrMain)
	g := p.mu.LockIRQ(c.arch)
	p.main = t
	g.Unlock()
	return t, nil
}

// CreateKernelProcess creates a process sharing the kernel address space
// whose main thread runs fn(arg).
func (k *Kernel) CreateKernelProcess(c *CPU, name string, fn ThreadFunc, arg uint64, flags CreateFlags) (*Process, error) {
	parent := k.parentOf(c)
	p, err := k.allocProcess(c, k.kernelAS, nil)
	if err != nil {
		return nil, err
	}
	p.parent = parent.pid
	root, cwd := parent.res.Root(), parent.res.WorkDir()
	if flags&CreateNoSharedRoot != 0 {
		root = "/"
	}
	p.res.setDirs(root, cwd)
	inheritStdio(p, parent, flags)

	t, err := k.startMain(c, p, name, fn, arg, flags)
	if err != nil {
		k.deleteProcess(c, p)
		return nil, err
	}
	k.start(c, t)
	log.Debugf("created kernel %v (%s), parent %d", p, name, p.parent)
	return p, nil
}

// CreateProcess loads img into a new address space and starts its main
// thread with arg.
func (k *Kernel) CreateProcess(c *CPU, img Image, arg uint64, flags CreateFlags) (*Process, error) {
	if k.loader == nil {
		return nil, fmt.Errorf("no loader for %q: %w", img.Path, ErrLoad)
	}
	parent := k.parentOf(c)
	as := &AddressSpace{}
	p, err := k.allocProcess(c, as, &SignalActions{})
	if err != nil {
		return nil, err
	}
	p.parent = parent.pid
	info, err := k.loader.Load(img, as)
	if err != nil {
		log.Infof("can't load %q: %v", img.Path, err)
		k.deleteProcess(c, p)
		return nil, err
	}
	root, cwd := parent.res.Root(), dirOf(img.Path)
	if flags&CreateNoSharedRoot != 0 {
		root = "/"
	}
	if flags&CreateSharedWorkDir != 0 {
		cwd = parent.res.WorkDir()
	}
	p.res.setDirs(root, cwd)
	inheritStdio(p, parent, flags)

	t, err := k.startMain(c, p, img.Path, info.Entry, arg, flags)
	if err != nil {
		k.deleteProcess(c, p)
		return nil, err
	}
	t.userStackBottom, t.userStackTop = info.StackBottom, info.StackTop
	k.start(c, t)
	log.Debugf("created %v from %q, parent %d", p, img.Path, p.parent)
	return p, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

// FindProcess returns the process with id pid, or nil.
func (k *Kernel) FindProcess(c *CPU, pid ProcessID) *Process {
	g := k.procMu.LockIRQ(c.arch)
	defer g.Unlock()
	return k.procs[pid]
}

// FindThread returns the thread of p with id tid, or nil.
func (k *Kernel) FindThread(c *CPU, p *Process, tid ThreadID) *Thread {
	if p == nil {
		return nil
	}
	g := p.mu.LockIRQ(c.arch)
	defer g.Unlock()
	for _, t := range p.threads {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

// Processes returns every live process ordered by id.
func (k *Kernel) Processes(c *CPU) []*Process {
	g := k.procMu.LockIRQ(c.arch)
	ps := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		ps = append(ps, p)
	}
	g.Unlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })
	return ps
}
