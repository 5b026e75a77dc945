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

package dst

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
)

func startControl(t *testing.T) (*Coordinator, *ControlClient, chan struct{}) {
	t.Helper()
	k, _ := newSimKernel(t, 2, 3, 11)
	cfg := lockstepConfig(11)
	cfg.Probabilities = ProbabilitiesCalm()
	c, err := NewCoordinator(k, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	c.Start()
	shutdown := make(chan struct{})
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s := NewControlServer(path, c, func() { close(shutdown) })
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	cl, err := DialControl(path)
	if err != nil {
		t.Fatalf("DialControl: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return c, cl, shutdown
}

func TestControlStep(t *testing.T) {
	c, cl, _ := startControl(t)
	var resp StepResponse
	if err := cl.Call(CmdStep, StepRequest{Steps: 5}, &resp); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if resp.Step != 5 || !resp.Running || resp.TimeNS != 5*int64(time.Millisecond) {
		t.Errorf("step response = %+v", resp)
	}
	if err := cl.Call(CmdStep, nil, &resp); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if resp.Step != 6 {
		t.Errorf("step = %d, want 6", resp.Step)
	}

	var st State
	if err := cl.Call(CmdGetState, nil, &st); err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Step != 6 || st.RunID != c.RunID().String() || !st.Running {
		t.Errorf("state = %+v", st)
	}
	var stats Stats
	if err := cl.Call(CmdGetStats, nil, &stats); err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if len(stats.Kernel.CPUs) != 2 {
		t.Errorf("stats cover %d cpus, want 2", len(stats.Kernel.CPUs))
	}
	var snap kernel.Snapshot
	if err := cl.Call(CmdSnapshot, nil, &snap); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.CPUs) != 2 || len(snap.Violations()) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestControlPauseResume(t *testing.T) {
	c, cl, _ := startControl(t)
	if err := cl.Call(CmdPause, nil, nil); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !c.Paused() {
		t.Error("coordinator not paused")
	}
	if err := cl.Call(CmdResume, nil, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.Paused() {
		t.Error("coordinator still paused")
	}
}

func TestControlEvents(t *testing.T) {
	c, cl, _ := startControl(t)
	var sched ScheduleEventResponse
	req := ScheduleEventRequest{TimeNS: int64(time.Millisecond), Event: Event{Kind: EventSpuriousIRQ, CPU: 1}}
	if err := cl.Call(CmdScheduleEvent, req, &sched); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}
	if err := cl.Call(CmdCancelEvent, CancelEventRequest{ID: sched.ID}, nil); err != nil {
		t.Fatalf("CancelEvent: %v", err)
	}
	if err := cl.Call(CmdCancelEvent, CancelEventRequest{ID: sched.ID}, nil); err == nil {
		t.Error("second CancelEvent succeeded")
	}
	if err := cl.Call(CmdSetProbabilities, Probabilities{SpuriousIRQ: 1}, nil); err != nil {
		t.Fatalf("SetProbabilities: %v", err)
	}
	var resp StepResponse
	if err := cl.Call(CmdStep, StepRequest{Steps: 3}, &resp); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(resp.Events) != 3 {
		t.Errorf("events = %v, want one spurious irq per step", resp.Events)
	}
	if got := c.Injector().Stats().ByKind[EventSpuriousIRQ]; got != 3 {
		t.Errorf("spurious irqs = %d, want 3", got)
	}
}

func TestControlUnknownCommand(t *testing.T) {
	_, cl, _ := startControl(t)
	err := cl.Call("Reboot", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Call(Reboot) = %v", err)
	}
	// The connection stays usable after an error.
	if err := cl.Call(CmdGetState, nil, nil); err != nil {
		t.Errorf("GetState after error: %v", err)
	}
}

func TestControlShutdown(t *testing.T) {
	_, cl, shutdown := startControl(t)
	if err := cl.Call(CmdShutdown, nil, nil); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-shutdown:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown callback not called")
	}
}
