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

// Package config holds the simulator configuration. Values come from
// command-line flags and may be overlaid by a YAML file.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/runsc/flag"
)

// Workload scheduling classes.
const (
	ClassFair = "fair"
	ClassRR   = "rr"
)

// Workload describes one process the simulator starts.
type Workload struct {
	// Name names the process and its threads.
	Name string `yaml:"name" json:"name"`

	// Threads is the number of worker threads.
	Threads int `yaml:"threads" json:"threads"`

	// Iterations is the number of loop iterations of every worker. Zero
	// runs until the simulator shuts down.
	Iterations uint64 `yaml:"iterations" json:"iterations"`

	// Class is the scheduling class of the workers, "fair" or "rr".
	Class string `yaml:"class" json:"class"`

	// SleepNS is the virtual time a worker sleeps per iteration. Workers
	// that do not sleep yield instead.
	SleepNS int64 `yaml:"sleep_ns" json:"sleep_ns"`
}

// Validate checks w.
func (w *Workload) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workload has no name")
	}
	if w.Threads <= 0 {
		return fmt.Errorf("workload %q: threads must be positive, got %d", w.Name, w.Threads)
	}
	switch w.Class {
	case "":
		w.Class = ClassFair
	case ClassFair, ClassRR:
	default:
		return fmt.Errorf("workload %q: unknown class %q", w.Name, w.Class)
	}
	if w.SleepNS < 0 {
		return fmt.Errorf("workload %q: negative sleep %d", w.Name, w.SleepNS)
	}
	return nil
}

// Config contains the simulator configuration.
type Config struct {
	// LogLevel is the log level: debug, info or warning.
	LogLevel string `yaml:"log_level"`

	// Seed seeds the kernel and the event injector.
	Seed uint64 `yaml:"seed"`

	// CPUs is the number of simulated cores.
	CPUs int `yaml:"cpus"`

	// Steps and StepNS bound the run: Steps steps of StepNS virtual time.
	Steps  uint64 `yaml:"steps"`
	StepNS int64  `yaml:"step_ns"`

	// RealtimeNS is the wall clock time at boot, in nanoseconds since the
	// Unix epoch.
	RealtimeNS int64 `yaml:"realtime_ns"`

	// StepDelay is the real time between steps.
	StepDelay time.Duration `yaml:"step_delay"`

	// CheckEvery and CheckpointEvery are the property check and
	// checkpoint intervals in steps.
	CheckEvery      uint64 `yaml:"check_every"`
	CheckpointEvery uint64 `yaml:"checkpoint_every"`

	// Chaos is the event probability preset: calm, moderate or chaos.
	Chaos string `yaml:"chaos"`

	// Lockstep runs every core on the simulator goroutine. Workload
	// threads are scheduled but their code does not run.
	Lockstep bool `yaml:"lockstep"`

	// PinHostCPUs pins core goroutines to host CPUs.
	PinHostCPUs bool `yaml:"pin_host_cpus"`

	// ControlSocket is the path of the control socket. Empty disables it.
	ControlSocket string `yaml:"control_socket"`

	// Trace is the path of a JSON lines trace of run events. Empty
	// disables it.
	Trace string `yaml:"trace"`

	// Checkpoints is the path the checkpoint history is written to at
	// the end of the run. Empty disables it.
	Checkpoints string `yaml:"checkpoints"`

	// Workloads are the processes started at boot.
	Workloads []Workload `yaml:"workloads"`
}

// Default returns the default configuration.
func Default() *Config {
	d := dst.DefaultConfig()
	return &Config{
		LogLevel:        "info",
		Seed:            d.Seed,
		CPUs:            2,
		Steps:           1000,
		StepNS:          d.StepNS,
		StepDelay:       100 * time.Microsecond,
		CheckEvery:      d.CheckEvery,
		CheckpointEvery: d.CheckpointEvery,
		Chaos:           "moderate",
		Workloads: []Workload{
			{Name: "spin", Threads: 4, Class: ClassFair},
			{Name: "sleeper", Threads: 2, Class: ClassFair, SleepNS: int64(3 * time.Millisecond)},
			{Name: "rt", Threads: 1, Class: ClassRR, SleepNS: int64(10 * time.Millisecond)},
		},
	}
}

// RegisterFlags registers the configuration flags on flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "YAML configuration file overlaid on the flags.")
	flagSet.String("log-level", d.LogLevel, "log level: debug, info or warning.")
	flagSet.Uint64("seed", d.Seed, "random seed. Same seed and configuration give the same run in lockstep mode.")
	flagSet.Int("cpus", d.CPUs, "number of simulated cores.")
	flagSet.Uint64("steps", d.Steps, "number of simulation steps.")
	flagSet.Int64("step-ns", d.StepNS, "virtual time advanced per step in nanoseconds.")
	flagSet.Int64("initial-realtime", 0, "wall clock time at boot in nanoseconds since the Unix epoch.")
	flagSet.Duration("step-delay", d.StepDelay, "real time between steps.")
	flagSet.Uint64("check-every", d.CheckEvery, "check kernel properties every N steps, 0 to disable.")
	flagSet.Uint64("checkpoint-every", d.CheckpointEvery, "record a checkpoint every N steps, 0 to disable.")
	flagSet.String("chaos", d.Chaos, "event injection preset: calm, moderate or chaos.")
	flagSet.Bool("lockstep", false, "run all cores on the simulator goroutine.")
	flagSet.Bool("pin-host-cpus", false, "pin core goroutines to host CPUs.")
	flagSet.String("control-socket", "", "path of the control socket.")
	flagSet.String("trace", "", "path of a JSON lines trace of run events.")
	flagSet.String("checkpoints", "", "path the checkpoint history is written to.")
}

// NewFromFlags creates a Config from flags, then overlays the file named by
// the config flag, if any. Workloads come only from the file; without one
// the default workloads run.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	get := func(name string) any {
		return flag.Get(flagSet.Lookup(name).Value)
	}
	conf := Default()
	conf.LogLevel = get("log-level").(string)
	conf.Seed = get("seed").(uint64)
	conf.CPUs = get("cpus").(int)
	conf.Steps = get("steps").(uint64)
	conf.StepNS = get("step-ns").(int64)
	conf.RealtimeNS = get("initial-realtime").(int64)
	conf.StepDelay = get("step-delay").(time.Duration)
	conf.CheckEvery = get("check-every").(uint64)
	conf.CheckpointEvery = get("checkpoint-every").(uint64)
	conf.Chaos = get("chaos").(string)
	conf.Lockstep = get("lockstep").(bool)
	conf.PinHostCPUs = get("pin-host-cpus").(bool)
	conf.ControlSocket = get("control-socket").(string)
	conf.Trace = get("trace").(string)
	conf.Checkpoints = get("checkpoints").(string)

	if path := get("config").(string); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := conf.Overlay(f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Overlay sets the fields present in the YAML document read from r.
func (c *Config) Overlay(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	if c.StepNS <= 0 {
		return fmt.Errorf("step-ns must be positive, got %d", c.StepNS)
	}
	if _, ok := dst.ProbabilitiesByName(c.Chaos); !ok {
		return fmt.Errorf("unknown chaos preset %q", c.Chaos)
	}
	switch c.LogLevel {
	case "debug", "info", "warning":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	for i := range c.Workloads {
		if err := c.Workloads[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DST returns the run configuration of the coordinator.
func (c *Config) DST() (dst.Config, error) {
	probs, ok := dst.ProbabilitiesByName(c.Chaos)
	if !ok {
		return dst.Config{}, fmt.Errorf("unknown chaos preset %q", c.Chaos)
	}
	d := dst.DefaultConfig()
	d.Seed = c.Seed
	d.MaxSteps = c.Steps
	d.MaxTimeNS = 0
	d.StepNS = c.StepNS
	d.CheckEvery = c.CheckEvery
	d.CheckpointEvery = c.CheckpointEvery
	d.Lockstep = c.Lockstep
	d.StepDelay = c.StepDelay
	d.Probabilities = probs
	return d, nil
}
