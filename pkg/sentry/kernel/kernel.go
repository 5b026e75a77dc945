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

// Package kernel implements the execution core: threads and processes,
// scheduling policies and the per-core scheduling loop.
//
// Every operation runs on behalf of a core. Operations of the calling
// thread (Yield, Sleep, ExitCurrentThread, JoinThread, ...) take the thread
// itself, since a thread may resume on a different core after any
// suspension. Other operations take the *CPU they run on, which is used for
// interrupt masking. Goroutines that are not simulated cores use a service
// core from NewServiceCPU.
package kernel

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/meehoyuen/NaOS/pkg/halt"
	"github.com/meehoyuen/NaOS/pkg/rand"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/sentry/irq"
	"github.com/meehoyuen/NaOS/pkg/sentry/mm"
	ktime "github.com/meehoyuen/NaOS/pkg/sentry/time"
	"github.com/meehoyuen/NaOS/pkg/spinlock"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Hardware vectors used by the kernel.
const (
	// TimerVector is the local timer interrupt.
	TimerVector uint8 = 0xf0

	// ReschedVector asks a core to reschedule.
	ReschedVector uint8 = 0xfd
)

// MaxCPUs is the number of cores a CPUMask can address.
const MaxCPUs = 64

// Default object limits.
const (
	DefaultMaxThreads   = 4096
	DefaultMaxProcesses = 1024
)

// Config configures a Kernel.
type Config struct {
	// NumCPUs is the number of simulated cores.
	NumCPUs int

	// Clock is the high resolution time source.
	Clock ktime.Clock

	// Switcher performs context switches.
	Switcher arch.Switcher

	// Loader loads process images. It may be nil if CreateProcess is not
	// used.
	Loader Loader

	// MaxThreads and MaxProcesses bound the object slabs.
	MaxThreads   int
	MaxProcesses int

	// MinGranularity is the fair policy's minimum run time before
	// preemption.
	MinGranularity time.Duration

	// Timeslice is the round-robin timeslice in ticks.
	Timeslice int

	// Rand is the entropy source for identifiers. It defaults to the host
	// source; a seeded source makes the boot id reproducible.
	Rand io.Reader
}

// Kernel is the execution core of one machine.
type Kernel struct {
	bootID   uuid.UUID
	clock    ktime.Clock
	switcher arch.Switcher
	loader   Loader
	irq      *irq.Dispatcher

	cpus    []*CPU
	allCPUs CPUMask

	// nextService is the id of the next service core.
	nextService atomicbitops.Int32

	policies [numClasses]Policy

	// order is the pick order of the policies. The fair policy is last,
	// since it falls back to the idle thread.
	order []Policy

	procMu     spinlock.SpinLock
	procs      map[ProcessID]*Process
	pids       *IDGenerator
	kernelProc *Process
	kernelAS   *AddressSpace

	threadSlab  *mm.Slab[Thread]
	processSlab *mm.Slab[Process]
	stacks      *mm.StackAllocator

	timerMu  spinlock.SpinLock
	timers   *btree.BTreeG[*sleepTimer]
	timerSeq uint64

	// snapMu excludes migrations while a snapshot is taken, so that no
	// thread is seen between two queues.
	snapMu sync.RWMutex

	listenerMu sync.Mutex
	listeners  atomic.Pointer[[]SchedListener]

	vectorsOnce sync.Once
	stopped     atomicbitops.Uint32
}

// New returns a kernel with every core initialized and running its idle
// thread. The kernel process (pid 0) owns the idle threads.
func New(cfg Config) (*Kernel, error) {
	if cfg.NumCPUs <= 0 || cfg.NumCPUs > MaxCPUs {
		return nil, fmt.Errorf("number of cpus %d out of range [1, %d]: %w", cfg.NumCPUs, MaxCPUs, ErrInvalid)
	}
	if cfg.Clock == nil {
		cfg.Clock = ktime.NewHostClock()
	}
	if cfg.Switcher == nil {
		cfg.Switcher = &arch.GoroutineSwitcher{}
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = DefaultMaxProcesses
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	bootID, err := uuid.NewRandomFromReader(cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("boot id: %w", err)
	}
	k := &Kernel{
		bootID:      bootID,
		clock:       cfg.Clock,
		switcher:    cfg.Switcher,
		loader:      cfg.Loader,
		irq:         irq.NewDispatcher(),
		cpus:        make([]*CPU, cfg.NumCPUs),
		procs:       make(map[ProcessID]*Process),
		pids:        NewIDGenerator(processIDLevels),
		kernelAS:    &AddressSpace{kernel: true},
		threadSlab:  mm.NewSlab[Thread]("thread", cfg.MaxThreads+cfg.NumCPUs),
		processSlab: mm.NewSlab[Process]("process", cfg.MaxProcesses),
		stacks:      mm.NewStackAllocator(cfg.MaxThreads + cfg.NumCPUs),
		timers:      btree.NewG(btreeDegree, timerLess),
	}
	k.nextService.Store(int32(cfg.NumCPUs))
	rr := newRoundRobinPolicy(k, cfg.NumCPUs, cfg.Timeslice)
	fair := newFairPolicy(k, cfg.NumCPUs, cfg.MinGranularity)
	k.policies[ClassRoundRobin] = rr
	k.policies[ClassFair] = fair
	k.order = []Policy{rr, fair}

	for i := range k.cpus {
		k.cpus[i] = &CPU{arch: arch.NewCPU(i), id: i}
		k.allCPUs |= MaskOf(i)
	}

	kp, err := k.newKernelProcess()
	if err != nil {
		return nil, err
	}
	k.kernelProc = kp
	console := NewConsole("console")
	kp.res.reserveStdio()
	for fd := Stdin; fd <= Stderr; fd++ {
		kp.res.setStdio(fd, console)
	}

	for _, c := range k.cpus {
		if err := k.InitCPU(c); err != nil {
			return nil, err
		}
	}
	log.Infof("kernel %s: %d cpus initialized", k.bootID, len(k.cpus))
	return k, nil
}

// InitCPU creates c's idle thread, makes it current and initializes c's run
// queues. The idle thread of core 0 is the kernel process's main thread.
func (k *Kernel) InitCPU(c *CPU) error {
	idle, err := k.newThread(c, k.kernelProc, fmt.Sprintf("idle/%d", c.id), nil, 0, ClassFair, MaskOf(c.id))
	if err != nil {
		return fmt.Errorf("idle thread of cpu %d: %w", c.id, err)
	}
	idle.ctx = arch.NewBootContext()
	idle.cpu.Store(int32(c.id))
	idle.staticPriority.Store(125)
	idle.state.Store(uint32(StateRunning))
	idle.onCPU.Store(1)
	if c.id == 0 {
		idle.setAttr(AttrMain)
		k.kernelProc.main = idle
	}
	c.idle = idle
	c.current.Store(idle)

	for _, p := range k.order {
		p.InitCPU(c)
	}
	k.vectorsOnce.Do(k.registerVectors)
	c.arch.InstallVectors(arch.Vectors{Entry: k.interruptEntry, Exit: k.interruptExit})
	log.Debugf("cpu %d: idle thread %v initialized", c.id, idle)
	return nil
}

// DestroyCPU releases c's run queues.
func (k *Kernel) DestroyCPU(c *CPU) {
	for _, p := range k.order {
		p.DestroyCPU(c)
	}
}

func (k *Kernel) registerVectors() {
	c := k.NewServiceCPU()
	k.irq.Register(c.arch, TimerVector, k.timerInterrupt, nil)
	k.irq.Register(c.arch, ReschedVector, k.reschedInterrupt, nil)
	k.irq.RegisterSoft(c.arch, irq.SoftTimer, k.timerSoftIRQ, nil)
}

func (k *Kernel) timerInterrupt(c *arch.CPU, regs *arch.Regs, extra uint64, data any) irq.Result {
	k.irq.Raise(c, irq.SoftTimer)
	return irq.Handled
}

func (k *Kernel) reschedInterrupt(c *arch.CPU, regs *arch.Regs, extra uint64, data any) irq.Result {
	if cur := k.cpus[c.ID()].Current(); cur != nil {
		cur.setAttr(AttrNeedResched)
	}
	return irq.Handled
}

func (k *Kernel) timerSoftIRQ(c *arch.CPU, vector uint, data any) {
	k.Tick(k.cpus[c.ID()])
}

func (k *Kernel) interruptEntry(c *arch.CPU, regs *arch.Regs, extra uint64) {
	if k.irq.DoIRQ(c, regs, extra) == irq.NotHandled {
		log.Debugf("cpu %d: unhandled vector %#x", c.ID(), regs.Vector)
	}
}

// interruptExit drains soft vectors and preempts the interrupted thread if
// it was asked to reschedule.
func (k *Kernel) interruptExit(c *arch.CPU, regs *arch.Regs, extra uint64) {
	kc := k.cpus[c.ID()]
	cur := kc.Current()
	k.irq.CheckAndWakeup(c, regs, cur != nil)
	if cur != nil && cur.Has(AttrNeedResched) && c.Preemptible() {
		k.Schedule(kc, 0)
	}
}

// Tick runs the scheduler tick of c's current thread and expires sleep
// timers. Round-robin threads preempt fair ones as soon as they are ready.
func (k *Kernel) Tick(c *CPU) {
	cur := c.Current()
	now := k.clock.Now()
	c.accountTick(now, cur.isIdle())
	k.policyOf(cur).Tick(c)
	if cur.class != ClassRoundRobin && k.policies[ClassRoundRobin].Runnable(c.id) > 0 {
		cur.setAttr(AttrNeedResched)
	}
	k.expireTimers(c, now)
}

// RunIdle runs c's idle loop on the calling goroutine, which becomes the
// idle thread's context. It returns once c has been stopped and its idle
// thread is running again.
func (k *Kernel) RunIdle(c *CPU) {
	idle := c.idle
	halt.Assert(c.Current() == idle, "cpu %d: idle loop entered from %v", c.id, c.Current())
	log.Debugf("cpu %d: idle loop running", c.id)
	for {
		for c.arch.Deliver(true) {
		}
		if k.Runnable(c.id) > 0 {
			idle.setAttr(AttrNeedResched)
			k.Schedule(c, 0)
			continue
		}
		if k.PullTask(c) {
			continue
		}
		if !c.arch.WaitForInterrupt() {
			log.Debugf("cpu %d: stopped", c.id)
			return
		}
	}
}

// NewServiceCPU returns a core for a goroutine that is not a simulated
// core, such as a simulator or control server. It only provides interrupt
// masking for lock acquisition and has no run queues. A service core must
// be used by one goroutine at a time.
func (k *Kernel) NewServiceCPU() *CPU {
	id := int(k.nextService.Add(1) - 1)
	return &CPU{arch: arch.NewCPU(id), id: id}
}

// Shutdown stops every core. Threads observe it through Stopping.
func (k *Kernel) Shutdown() {
	if !k.stopped.CompareAndSwap(0, 1) {
		return
	}
	log.Infof("kernel %s: shutting down", k.bootID)
	for _, c := range k.cpus {
		c.arch.Stop()
	}
}

// Stopping reports whether Shutdown was called.
func (k *Kernel) Stopping() bool {
	return k.stopped.Load() != 0
}

// BootID identifies this kernel instance.
func (k *Kernel) BootID() uuid.UUID {
	return k.bootID
}

// Clock returns the kernel's time source.
func (k *Kernel) Clock() ktime.Clock {
	return k.clock
}

// Dispatcher returns the interrupt dispatcher.
func (k *Kernel) Dispatcher() *irq.Dispatcher {
	return k.irq
}

// NumCPUs returns the number of simulated cores.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// CPU returns core i.
func (k *Kernel) CPU(i int) *CPU {
	return k.cpus[i]
}

// KernelProcess returns the process owning the idle threads.
func (k *Kernel) KernelProcess() *Process {
	return k.kernelProc
}

// Stats is a summary of kernel activity.
type Stats struct {
	BootID    string       `json:"boot_id"`
	CPUs      []CPUStats   `json:"cpus"`
	Threads   mm.SlabStats `json:"threads"`
	Processes mm.SlabStats `json:"processes"`
	Stacks    mm.SlabStats `json:"stacks"`
	Timers    int          `json:"timers"`
}

// Stats returns a summary of kernel activity.
func (k *Kernel) Stats(c *CPU) Stats {
	s := Stats{
		BootID:    k.bootID.String(),
		Threads:   k.threadSlab.Stats(),
		Processes: k.processSlab.Stats(),
		Stacks:    k.stacks.Stats(),
	}
	for _, kc := range k.cpus {
		s.CPUs = append(s.CPUs, kc.Stats())
	}
	g := k.timerMu.LockIRQ(c.arch)
	s.Timers = k.timers.Len()
	g.Unlock()
	return s
}
