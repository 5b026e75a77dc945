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

package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meehoyuen/NaOS/naosim/boot"
	"github.com/meehoyuen/NaOS/naosim/config"
	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
)

func startSim(t *testing.T) (*boot.Sim, *dst.ControlClient) {
	t.Helper()
	conf := config.Default()
	conf.Lockstep = true
	conf.Chaos = "calm"
	s, err := boot.New(conf)
	if err != nil {
		t.Fatalf("boot.New: %v", err)
	}
	s.Coordinator().Start()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := dst.NewControlServer(path, s.Coordinator(), func() { s.Coordinator().Stop("shutdown") })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	cl, err := dst.DialControl(path)
	if err != nil {
		t.Fatalf("DialControl: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return s, cl
}

func TestCtlActions(t *testing.T) {
	s, cl := startSim(t)
	var out bytes.Buffer
	c := &Ctl{out: &out, steps: 4, chaos: "chaos", kind: string(dst.EventMigrate), cpu: 0, dstCPU: 1}

	c.action = "step"
	if err := c.do(cl); err != nil {
		t.Fatalf("step: %v", err)
	}
	var step dst.StepResponse
	if err := json.Unmarshal(out.Bytes(), &step); err != nil {
		t.Fatalf("step output %q: %v", out.String(), err)
	}
	if step.Step != 4 {
		t.Errorf("step = %d, want 4", step.Step)
	}

	out.Reset()
	c.action = "state"
	if err := c.do(cl); err != nil {
		t.Fatalf("state: %v", err)
	}
	var st dst.State
	if err := json.Unmarshal(out.Bytes(), &st); err != nil {
		t.Fatalf("state output %q: %v", out.String(), err)
	}
	if st.RunID != s.Coordinator().RunID().String() {
		t.Errorf("run id = %s, want %s", st.RunID, s.Coordinator().RunID())
	}

	out.Reset()
	c.action = "set-probabilities"
	if err := c.do(cl); err != nil {
		t.Fatalf("set-probabilities: %v", err)
	}
	if got := s.Coordinator().Injector().Probabilities(); got != dst.ProbabilitiesChaos() {
		t.Errorf("probabilities = %+v, want chaos", got)
	}

	out.Reset()
	c.action = "schedule"
	if err := c.do(cl); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !strings.HasPrefix(out.String(), "event 1 scheduled") {
		t.Errorf("schedule output = %q", out.String())
	}
	if got := s.Coordinator().Injector().Pending(); got != 1 {
		t.Errorf("%d pending events, want 1", got)
	}
	c.action = "cancel"
	c.id = 1
	if err := c.do(cl); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.do(cl); err == nil {
		t.Error("second cancel succeeded")
	}

	c.action = "reboot"
	if err := c.do(cl); err == nil {
		t.Error("unknown action succeeded")
	}
}
