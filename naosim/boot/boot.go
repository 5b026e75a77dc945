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

// Package boot assembles a simulated machine from a configuration: it boots
// the kernel, starts the configured workloads and drives the run.
package boot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/meehoyuen/NaOS/naosim/config"
	"github.com/meehoyuen/NaOS/pkg/rand"
	"github.com/meehoyuen/NaOS/pkg/sentry/arch"
	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
	ktime "github.com/meehoyuen/NaOS/pkg/sentry/time"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// idleExitTimeout bounds the wait for cores to return to their idle loops
// at shutdown.
const idleExitTimeout = 10 * time.Second

// Sim is a booted simulator.
type Sim struct {
	conf   *config.Config
	k      *kernel.Kernel
	coord  *dst.Coordinator
	loader *kernel.ProgramLoader

	// svc is the core of the goroutine calling New and Run.
	svc *kernel.CPU

	procs []WorkloadProcess

	idle sync.WaitGroup
}

// WorkloadProcess is a process started for a workload.
type WorkloadProcess struct {
	Workload string           `json:"workload"`
	PID      kernel.ProcessID `json:"pid"`

	process *kernel.Process
}

// New boots a kernel as configured and starts the workloads. The cores do
// not run until Run is called.
func New(conf *config.Config) (*Sim, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	var sw arch.Switcher
	if conf.Lockstep {
		sw = &arch.RecordingSwitcher{}
	} else {
		sw = &arch.GoroutineSwitcher{PinHostCPUs: conf.PinHostCPUs}
	}
	loader := kernel.NewProgramLoader()
	k, err := kernel.New(kernel.Config{
		NumCPUs:  conf.CPUs,
		Clock:    ktime.NewClock(ktime.Config{Virtual: true, InitialRealtime: conf.RealtimeNS}),
		Switcher: sw,
		Loader:   loader,
		Rand:     rand.ReaderFor(conf.Seed),
	})
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	dconf, err := conf.DST()
	if err != nil {
		return nil, err
	}
	coord, err := dst.NewCoordinator(k, dconf)
	if err != nil {
		return nil, err
	}
	s := &Sim{
		conf:   conf,
		k:      k,
		coord:  coord,
		loader: loader,
		svc:    k.NewServiceCPU(),
	}
	for _, w := range conf.Workloads {
		if err := s.startWorkload(w); err != nil {
			return nil, err
		}
	}
	log.Infof("kernel %s booted: %d cpus, %d workloads", k.BootID(), conf.CPUs, len(s.procs))
	return s, nil
}

// Kernel returns the simulated kernel.
func (s *Sim) Kernel() *kernel.Kernel {
	return s.k
}

// Coordinator returns the run coordinator.
func (s *Sim) Coordinator() *dst.Coordinator {
	return s.coord
}

// Processes returns the workload processes.
func (s *Sim) Processes() []WorkloadProcess {
	return s.procs
}

// startWorkload registers w's program and starts it as a user process.
func (s *Sim) startWorkload(w config.Workload) error {
	path := "/bin/" + w.Name
	s.loader.Register(path, workloadMain(w))
	p, err := s.k.CreateProcess(s.svc, kernel.Image{Path: path}, uint64(w.Threads), createFlags(w))
	if err != nil {
		return fmt.Errorf("starting workload %q: %w", w.Name, err)
	}
	s.procs = append(s.procs, WorkloadProcess{Workload: w.Name, PID: p.PID(), process: p})
	return nil
}

func createFlags(w config.Workload) kernel.CreateFlags {
	if w.Class == config.ClassRR {
		return kernel.CreateRealTimeRR
	}
	return 0
}

// workloadMain returns the main thread of w's process. It starts the
// workers, joins them and exits with the number of iterations they ran.
func workloadMain(w config.Workload) kernel.ThreadFunc {
	work := worker(w)
	return func(k *kernel.Kernel, t *kernel.Thread, threads uint64) int64 {
		kids := make([]*kernel.Thread, 0, threads)
		for i := uint64(0); i < threads; i++ {
			kid, err := k.CreateThread(k.CPUOf(t), t.Process(), fmt.Sprintf("%s-%d", w.Name, i), work, w.Iterations, createFlags(w))
			if err != nil {
				log.Warningf("workload %s: creating worker %d: %v", w.Name, i, err)
				break
			}
			kids = append(kids, kid)
		}
		var sum int64
		for _, kid := range kids {
			v, err := k.JoinThread(t, kid)
			if err != nil {
				log.Warningf("workload %s: joining %v: %v", w.Name, kid, err)
				continue
			}
			sum += v
		}
		log.Debugf("workload %s: %d iterations", w.Name, sum)
		return sum
	}
}

// worker runs iterations loop passes, or until shutdown if iterations is
// zero, and returns the number of passes run.
func worker(w config.Workload) kernel.ThreadFunc {
	return func(k *kernel.Kernel, t *kernel.Thread, iterations uint64) int64 {
		var n uint64
		for ; iterations == 0 || n < iterations; n++ {
			if k.Stopping() {
				break
			}
			k.PreemptPoint(t)
			if w.SleepNS > 0 {
				k.Sleep(t, time.Duration(w.SleepNS))
			} else {
				k.Yield(t)
			}
		}
		return int64(n)
	}
}

// Result is the outcome of a run.
type Result struct {
	Reason    string          `json:"reason"`
	State     dst.State       `json:"state"`
	Stats     dst.Stats       `json:"stats"`
	Processes []ProcessResult `json:"processes"`
}

// ProcessResult is the final state of a workload process.
type ProcessResult struct {
	WorkloadProcess
	Threads  int   `json:"threads"`
	Exited   bool  `json:"exited"`
	ExitCode int64 `json:"exit_code,omitempty"`
}

// Run starts the cores, steps the coordinator until the run ends or ctx is
// done and shuts the kernel down. A control server is served for the
// duration of the run if one is configured.
func (s *Sim) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.conf.Trace != "" {
		f, err := os.Create(s.conf.Trace)
		if err != nil {
			return nil, fmt.Errorf("creating trace: %w", err)
		}
		defer f.Close()
		s.coord.AddListener(NewTraceWriter(f))
	}
	if s.conf.ControlSocket != "" {
		srv := dst.NewControlServer(s.conf.ControlSocket, s.coord, cancel)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		defer srv.Stop()
	}

	if !s.conf.Lockstep {
		for i := 0; i < s.k.NumCPUs(); i++ {
			c := s.k.CPU(i)
			s.idle.Add(1)
			go func() {
				defer s.idle.Done()
				s.k.RunIdle(c)
			}()
		}
	}

	reason := s.coord.Run(ctx)
	s.shutdown()

	res := &Result{
		Reason: reason,
		State:  s.coord.State(),
		Stats:  s.coord.Stats(),
	}
	for _, wp := range s.procs {
		p := wp.process
		pr := ProcessResult{
			WorkloadProcess: wp,
			Threads:         len(p.Threads(s.svc)),
			Exited:          p.Has(kernel.ProcNoThread),
		}
		if pr.Exited {
			pr.ExitCode = p.ExitCode()
		}
		res.Processes = append(res.Processes, pr)
	}
	if s.conf.Checkpoints != "" {
		if err := s.writeCheckpoints(s.conf.Checkpoints); err != nil {
			return res, err
		}
	}
	return res, nil
}

// shutdown stops the kernel and waits for the idle loops to return.
func (s *Sim) shutdown() {
	s.k.Shutdown()
	done := make(chan struct{})
	go func() {
		s.idle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(idleExitTimeout):
		log.Warningf("kernel %s: cores did not return to idle within %v", s.k.BootID(), idleExitTimeout)
	}
}

func (s *Sim) writeCheckpoints(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	if err := s.coord.History().Write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	return f.Close()
}
