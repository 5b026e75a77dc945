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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
	"gvisor.dev/gvisor/runsc/flag"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return NewFromFlags(fs)
}

func TestFlagDefaults(t *testing.T) {
	conf, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	d := Default()
	if conf.Seed != d.Seed || conf.CPUs != d.CPUs || conf.Chaos != d.Chaos {
		t.Errorf("config = %+v, want defaults %+v", conf, d)
	}
	if len(conf.Workloads) != len(d.Workloads) {
		t.Errorf("%d workloads, want %d", len(conf.Workloads), len(d.Workloads))
	}
}

func TestFlags(t *testing.T) {
	conf, err := parse(t, "-seed=7", "-cpus=4", "-steps=10", "-chaos=chaos", "-lockstep", "-step-delay=1ms")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Seed != 7 || conf.CPUs != 4 || conf.Steps != 10 || !conf.Lockstep || conf.StepDelay != time.Millisecond {
		t.Errorf("config = %+v", conf)
	}
	d, err := conf.DST()
	if err != nil {
		t.Fatalf("DST: %v", err)
	}
	if d.Seed != 7 || d.MaxSteps != 10 || !d.Lockstep || d.Probabilities != dst.ProbabilitiesChaos() {
		t.Errorf("dst config = %+v", d)
	}
}

func TestFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "naosim.yaml")
	doc := `
seed: 99
cpus: 3
step_delay: 2ms
workloads:
  - name: batch
    threads: 2
    iterations: 50
  - name: rt
    threads: 1
    class: rr
    sleep_ns: 1000000
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	conf, err := parse(t, "-seed=1", "-steps=5", "-config="+path)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if conf.Seed != 99 || conf.CPUs != 3 || conf.StepDelay != 2*time.Millisecond {
		t.Errorf("config = %+v", conf)
	}
	// Fields absent from the file keep their flag values.
	if conf.Steps != 5 {
		t.Errorf("steps = %d, want 5", conf.Steps)
	}
	if len(conf.Workloads) != 2 {
		t.Fatalf("workloads = %+v", conf.Workloads)
	}
	if w := conf.Workloads[0]; w.Class != ClassFair || w.Iterations != 50 {
		t.Errorf("workload = %+v", w)
	}
	if w := conf.Workloads[1]; w.Class != ClassRR || w.SleepNS != int64(time.Millisecond) {
		t.Errorf("workload = %+v", w)
	}
}

func TestDSTRejectsUnknownChaos(t *testing.T) {
	conf := Default()
	conf.Chaos = "storm"
	if _, err := conf.DST(); err == nil || !strings.Contains(err.Error(), "storm") {
		t.Errorf("DST error = %v, want one naming the preset", err)
	}
	conf.Chaos = "moderate"
	d, err := conf.DST()
	if err != nil {
		t.Fatalf("DST: %v", err)
	}
	if d.Probabilities != dst.ProbabilitiesModerate() {
		t.Errorf("probabilities = %+v, want the moderate preset", d.Probabilities)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{name: "cpus", doc: "cpus: 0", want: "cpus"},
		{name: "chaos", doc: "chaos: storm", want: "chaos"},
		{name: "log level", doc: "log_level: trace", want: "log level"},
		{name: "class", doc: "workloads: [{name: w, threads: 1, class: batch}]", want: "unknown class"},
		{name: "threads", doc: "workloads: [{name: w}]", want: "threads"},
		{name: "unknown field", doc: "cores: 2", want: "cores"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := Default()
			err := conf.Overlay(strings.NewReader(tc.doc))
			if err == nil {
				err = conf.Validate()
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want one mentioning %q", err, tc.want)
			}
		})
	}
}
