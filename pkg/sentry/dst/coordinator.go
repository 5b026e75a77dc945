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

// Package dst drives a kernel through a simulated run: it advances the
// virtual clock, ticks every core, injects events and checks kernel
// properties along the way.
package dst

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"github.com/meehoyuen/NaOS/pkg/rand"
	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
	ktime "github.com/meehoyuen/NaOS/pkg/sentry/time"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Config configures a simulated run.
type Config struct {
	// Seed seeds every random decision of the run.
	Seed uint64 `json:"seed" yaml:"seed"`

	// MaxSteps and MaxTimeNS end the run. Zero means no limit.
	MaxSteps  uint64 `json:"max_steps" yaml:"max_steps"`
	MaxTimeNS int64  `json:"max_time_ns" yaml:"max_time_ns"`

	// StepNS is the virtual time a step advances by default.
	StepNS int64 `json:"step_ns" yaml:"step_ns"`

	// CheckEvery checks properties every N steps. Zero disables checks.
	CheckEvery uint64 `json:"check_every" yaml:"check_every"`

	// CheckpointEvery records a checkpoint every N steps. Zero disables
	// checkpoints.
	CheckpointEvery uint64 `json:"checkpoint_every" yaml:"checkpoint_every"`

	// MaxCheckpoints bounds the checkpoint history.
	MaxCheckpoints int `json:"max_checkpoints" yaml:"max_checkpoints"`

	// StopOnFailure ends the run at the first failed property.
	StopOnFailure bool `json:"stop_on_failure" yaml:"stop_on_failure"`

	// Lockstep makes the coordinator deliver interrupts on every core
	// itself. It is for kernels whose cores are not run by idle loops,
	// such as kernels with a recording switcher.
	Lockstep bool `json:"lockstep" yaml:"lockstep"`

	// StepDelay is the real time Run waits between steps, giving threads
	// on running cores time to make progress.
	StepDelay time.Duration `json:"step_delay" yaml:"step_delay"`

	// Probabilities are the random event probabilities.
	Probabilities Probabilities `json:"probabilities" yaml:"probabilities"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		Seed:            12345,
		MaxSteps:        100000,
		MaxTimeNS:       int64(60 * time.Second),
		StepNS:          int64(time.Millisecond),
		CheckEvery:      100,
		CheckpointEvery: 1000,
		MaxCheckpoints:  DefaultMaxCheckpoints,
		StopOnFailure:   true,
		Probabilities:   ProbabilitiesModerate(),
	}
}

// Listener is notified of run events. Methods are called with the
// coordinator locked and must not call back into it.
type Listener interface {
	OnStart(runID uuid.UUID, cfg Config)
	OnStep(step uint64, timeNS int64)
	OnEvent(ev Event, applied bool)
	OnPropertyChecked(name string, r CheckResult)
	OnCheckpoint(id CheckpointID)
	OnEnd(reason string)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step       uint64                 `json:"step"`
	TimeNS     int64                  `json:"time_ns"`
	Events     []Event                `json:"events,omitempty"`
	Properties map[string]CheckResult `json:"properties,omitempty"`
	Running    bool                   `json:"running"`
}

// Coordinator runs a kernel under a virtual clock.
type Coordinator struct {
	mu sync.Mutex

	// +checklocks:mu
	cfg Config

	k     *kernel.Kernel
	clock *ktime.VirtualClock
	runID uuid.UUID

	// svc is the coordinator's service core; c.mu serializes its use.
	svc *kernel.CPU

	injector *Injector
	checker  *PropertyChecker
	history  *History

	// +checklocks:mu
	step uint64

	// +checklocks:mu
	running bool

	// +checklocks:mu
	paused bool

	// +checklocks:mu
	reason string

	// +checklocks:mu
	listeners []Listener

	// resume is signalled when a paused run resumes.
	resume chan struct{}
}

// NewCoordinator returns a coordinator for k, which must run on a virtual
// clock. The built-in properties are checked unless others are added
// before the run starts.
func NewCoordinator(k *kernel.Kernel, cfg Config) (*Coordinator, error) {
	vc := ktime.AsVirtual(k.Clock())
	if vc == nil {
		return nil, fmt.Errorf("kernel %s does not run on a virtual clock", k.BootID())
	}
	if cfg.StepNS <= 0 {
		cfg.StepNS = int64(time.Millisecond)
	}
	// The kernel may draw its boot id from the same seed.
	runID, err := uuid.NewRandomFromReader(rand.ReaderFor(bits.RotateLeft64(cfg.Seed, 32)))
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	return &Coordinator{
		cfg:      cfg,
		k:        k,
		clock:    vc,
		runID:    runID,
		svc:      k.NewServiceCPU(),
		injector: NewInjector(cfg.Seed),
		checker:  NewPropertyChecker(DefaultProperties()...),
		history:  NewHistory(cfg.MaxCheckpoints),
		resume:   make(chan struct{}, 1),
	}, nil
}

// RunID identifies the run.
func (c *Coordinator) RunID() uuid.UUID {
	return c.runID
}

// Kernel returns the simulated kernel.
func (c *Coordinator) Kernel() *kernel.Kernel {
	return c.k
}

// Injector returns the event injector.
func (c *Coordinator) Injector() *Injector {
	return c.injector
}

// Checker returns the property checker.
func (c *Coordinator) Checker() *PropertyChecker {
	return c.checker
}

// History returns the checkpoint history.
func (c *Coordinator) History() *History {
	return c.history
}

// Config returns the run configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// AddListener adds a listener.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start starts the run.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.reason = ""
	c.injector.SetProbabilities(c.cfg.Probabilities)
	log.Infof("run %s: seed %d, %d cpus", c.runID, c.cfg.Seed, c.k.NumCPUs())
	for _, l := range c.listeners {
		l.OnStart(c.runID, c.cfg)
	}
}

// Stop ends the run.
func (c *Coordinator) Stop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(reason)
}

// +checklocks:c.mu
func (c *Coordinator) stopLocked(reason string) {
	if !c.running {
		return
	}
	c.running = false
	c.reason = reason
	log.Infof("run %s: ended at step %d: %s", c.runID, c.step, reason)
	for _, l := range c.listeners {
		l.OnEnd(reason)
	}
}

// Pause suspends Run. Explicit steps are still taken.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume resumes Run.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// Running reports whether the run has started and not ended.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Paused reports whether Run is paused.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// EndReason returns why the run ended, or "" while it runs.
func (c *Coordinator) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Step advances the run by deltaNS of virtual time, or by the configured
// step if deltaNS is not positive. It ticks every core, applies due and
// random events and checks properties when they are due. A step of a run
// that is not running does nothing.
func (c *Coordinator) Step(deltaNS int64) StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return StepResult{Step: c.step, TimeNS: c.clock.Now()}
	}
	if deltaNS <= 0 {
		deltaNS = c.cfg.StepNS
	}
	c.step++
	c.clock.Advance(deltaNS)
	now := c.clock.Now()
	res := StepResult{Step: c.step, TimeNS: now, Running: true}

	for i := 0; i < c.k.NumCPUs(); i++ {
		c.k.CPU(i).Arch().Raise(kernel.TimerVector)
	}
	res.Events = append(c.injector.Due(now), c.injector.Roll(now, c.k.NumCPUs())...)
	for _, ev := range res.Events {
		applied := c.apply(ev)
		for _, l := range c.listeners {
			l.OnEvent(ev, applied)
		}
	}
	if c.cfg.Lockstep {
		c.deliver()
	}
	for _, l := range c.listeners {
		l.OnStep(c.step, now)
	}

	if c.cfg.CheckEvery > 0 && c.step%c.cfg.CheckEvery == 0 {
		snap := c.k.Snapshot(c.svc)
		res.Properties = c.checker.CheckAll(&snap, c.step)
		for _, name := range c.checker.Names() {
			r, ok := res.Properties[name]
			if !ok {
				continue
			}
			for _, l := range c.listeners {
				l.OnPropertyChecked(name, r)
			}
			if r.Failed() {
				log.Warningf("run %s: step %d: property %s failed: %s", c.runID, c.step, name, r.Message)
				if c.cfg.StopOnFailure {
					c.stopLocked(fmt.Sprintf("property %s failed: %s", name, r.Message))
					res.Running = false
					return res
				}
			}
		}
	}

	if c.cfg.CheckpointEvery > 0 && c.step%c.cfg.CheckpointEvery == 0 {
		id := c.history.Record(Checkpoint{
			Step:     c.step,
			TimeNS:   now,
			Clock:    c.clock.GetState(),
			Injector: c.injector.State(),
			Kernel:   c.k.Snapshot(c.svc),
		})
		for _, l := range c.listeners {
			l.OnCheckpoint(id)
		}
	}

	switch {
	case c.cfg.MaxSteps > 0 && c.step >= c.cfg.MaxSteps:
		c.stopLocked("max steps reached")
	case c.cfg.MaxTimeNS > 0 && now >= c.cfg.MaxTimeNS:
		c.stopLocked("max time reached")
	}
	res.Running = c.running
	return res
}

// apply applies ev to the kernel and reports whether it had an effect.
//
// +checklocks:c.mu
func (c *Coordinator) apply(ev Event) bool {
	n := c.k.NumCPUs()
	switch ev.Kind {
	case EventSpuriousIRQ:
		if ev.CPU < 0 || ev.CPU >= n {
			return false
		}
		c.k.CPU(ev.CPU).Arch().Raise(SpuriousVector)
		return true
	case EventWakeup:
		return c.wakeRandom(ev.CPU)
	case EventMigrate:
		return c.k.Migrate(c.svc, ev.CPU, ev.Dst)
	}
	log.Warningf("run %s: unknown event kind %q", c.runID, ev.Kind)
	return false
}

// wakeRandom wakes a random interruptibly blocked thread, on core cpu if
// cpu is not negative. The woken thread rechecks its wait condition, so
// the wakeup is spurious from its point of view.
//
// +checklocks:c.mu
func (c *Coordinator) wakeRandom(cpu int) bool {
	snap := c.k.Snapshot(c.svc)
	var blocked []kernel.ThreadSnapshot
	for _, cs := range snap.CPUs {
		if cpu >= 0 && cs.ID != cpu {
			continue
		}
		for _, q := range cs.Queues {
			for _, ts := range q.Blocked {
				if ts.State == kernel.StateInterruptible.String() {
					blocked = append(blocked, ts)
				}
			}
		}
	}
	if len(blocked) == 0 {
		return false
	}
	ts := blocked[c.injector.Intn(len(blocked))]
	p := c.k.FindProcess(c.svc, ts.PID)
	if p == nil {
		return false
	}
	t := c.k.FindThread(c.svc, p, ts.TID)
	if t == nil || t.State() != kernel.StateInterruptible {
		return false
	}
	c.k.Wake(c.svc, t)
	return true
}

// deliver drains the latched vectors of every core.
//
// +checklocks:c.mu
func (c *Coordinator) deliver() {
	for i := 0; i < c.k.NumCPUs(); i++ {
		cpu := c.k.CPU(i).Arch()
		for cpu.Deliver(true) {
		}
	}
}

// Run steps until the run ends or ctx is done, waiting while paused. It
// starts the run if needed and returns the reason it ended.
func (c *Coordinator) Run(ctx context.Context) string {
	c.Start()
	for {
		if ctx.Err() != nil {
			c.Stop("cancelled")
			return c.EndReason()
		}
		if c.Paused() {
			select {
			case <-ctx.Done():
			case <-c.resume:
			}
			continue
		}
		if !c.Step(0).Running {
			return c.EndReason()
		}
		if d := c.cfg.StepDelay; d > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
	}
}

// State is a summary of the run.
type State struct {
	RunID       string        `json:"run_id"`
	BootID      string        `json:"boot_id"`
	Seed        uint64        `json:"seed"`
	Running     bool          `json:"running"`
	Paused      bool          `json:"paused"`
	Reason      string        `json:"reason,omitempty"`
	Step        uint64        `json:"step"`
	TimeNS      int64         `json:"time_ns"`
	RealtimeNS  int64         `json:"realtime_ns"`
	Injected    uint64        `json:"injected"`
	Checks      uint64        `json:"checks"`
	Failures    int           `json:"failures"`
	Checkpoints int           `json:"checkpoints"`
	Injector    InjectorState `json:"injector"`
}

// State returns a summary of the run.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := 0
	for _, rs := range c.checker.Failures() {
		failures += len(rs)
	}
	inj := c.injector.State()
	realtime, _ := c.clock.GetTime(ktime.Realtime)
	return State{
		RunID:       c.runID.String(),
		BootID:      c.k.BootID().String(),
		Seed:        c.cfg.Seed,
		Running:     c.running,
		Paused:      c.paused,
		Reason:      c.reason,
		Step:        c.step,
		TimeNS:      c.clock.Now(),
		RealtimeNS:  realtime,
		Injected:    inj.Stats.Injected,
		Checks:      c.checker.Checks(),
		Failures:    failures,
		Checkpoints: c.history.Len(),
		Injector:    inj,
	}
}

// Stats is the activity of the kernel and the injector.
type Stats struct {
	Kernel   kernel.Stats             `json:"kernel"`
	Injector InjectorStats            `json:"injector"`
	Failures map[string][]CheckResult `json:"failures,omitempty"`
}

// Stats returns the activity of the kernel and the injector.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Kernel:   c.k.Stats(c.svc),
		Injector: c.injector.Stats(),
		Failures: c.checker.Failures(),
	}
}

// Snapshot captures the scheduling state of the kernel.
func (c *Coordinator) Snapshot() kernel.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.k.Snapshot(c.svc)
}
