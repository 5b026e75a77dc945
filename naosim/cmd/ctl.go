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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
	"gvisor.dev/gvisor/runsc/flag"
)

// Ctl implements subcommands.Command for the "ctl" command.
type Ctl struct {
	// socket is the control socket of the simulator.
	socket string

	// action is the action to perform.
	action string

	// steps and deltaNS parameterize the "step" action.
	steps   uint64
	deltaNS int64

	// chaos is the preset of the "set-probabilities" action.
	chaos string

	// Event of the "schedule" action.
	kind   string
	cpu    int
	dstCPU int
	atNS   int64

	// id is the event of the "cancel" action.
	id uint64

	// out is where results are printed. It defaults to stdout.
	out io.Writer
}

// Name implements subcommands.Command.
func (*Ctl) Name() string {
	return "ctl"
}

// Synopsis implements subcommands.Command.
func (*Ctl) Synopsis() string {
	return "control a running simulation"
}

// Usage implements subcommands.Command.
func (*Ctl) Usage() string {
	return `ctl -socket <path> [flags]

Sends one command to a simulator started with -control-socket. Actions:
  state             - Get the run state
  stats             - Get kernel and injector statistics
  snapshot          - Get the scheduling state of every core
  step              - Advance the simulation by steps
  pause             - Pause the simulation
  resume            - Resume the simulation
  set-probabilities - Set the event probabilities from a preset
  schedule          - Schedule an event at a virtual time
  cancel            - Cancel a scheduled event
  shutdown          - End the simulation
`
}

// SetFlags implements subcommands.Command.
func (c *Ctl) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socket, "socket", "", "path of the simulator control socket")
	f.StringVar(&c.action, "action", "state", "action: state, stats, snapshot, step, pause, resume, set-probabilities, schedule, cancel, shutdown")
	f.Uint64Var(&c.steps, "steps", 1, "number of steps (for step action)")
	f.Int64Var(&c.deltaNS, "delta-ns", 0, "virtual time per step in nanoseconds, 0 for the configured step (for step action)")
	f.StringVar(&c.chaos, "chaos", "moderate", "probability preset: calm, moderate or chaos (for set-probabilities action)")
	f.StringVar(&c.kind, "kind", string(dst.EventSpuriousIRQ), "event kind: spurious_irq, wakeup or migrate (for schedule action)")
	f.IntVar(&c.cpu, "cpu", 0, "event core, -1 for any (for schedule action)")
	f.IntVar(&c.dstCPU, "dst-cpu", 0, "destination core of a migrate event (for schedule action)")
	f.Int64Var(&c.atNS, "at-ns", 0, "virtual time of the event, 0 for one step from now (for schedule action)")
	f.Uint64Var(&c.id, "id", 0, "scheduled event id (for cancel action)")
}

// Execute implements subcommands.Command.Execute.
func (c *Ctl) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.socket == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	cl, err := dst.DialControl(c.socket)
	if err != nil {
		return Errorf("connecting to %s: %v", c.socket, err)
	}
	defer cl.Close()
	if err := c.do(cl); err != nil {
		return Errorf("%s: %v", c.action, err)
	}
	return subcommands.ExitSuccess
}

func (c *Ctl) do(cl *dst.ControlClient) error {
	switch c.action {
	case "state":
		var st dst.State
		return c.callAndPrint(cl, dst.CmdGetState, nil, &st)
	case "stats":
		var stats dst.Stats
		return c.callAndPrint(cl, dst.CmdGetStats, nil, &stats)
	case "snapshot":
		var snap json.RawMessage
		return c.callAndPrint(cl, dst.CmdSnapshot, nil, &snap)
	case "step":
		var res dst.StepResponse
		return c.callAndPrint(cl, dst.CmdStep, dst.StepRequest{Steps: c.steps, DeltaNS: c.deltaNS}, &res)
	case "pause":
		return c.callAndReport(cl, dst.CmdPause, nil, "simulation paused")
	case "resume":
		return c.callAndReport(cl, dst.CmdResume, nil, "simulation resumed")
	case "set-probabilities":
		p, ok := dst.ProbabilitiesByName(c.chaos)
		if !ok {
			return fmt.Errorf("unknown preset %q", c.chaos)
		}
		return c.callAndReport(cl, dst.CmdSetProbabilities, p, fmt.Sprintf("probabilities set: %+v", p))
	case "schedule":
		return c.schedule(cl)
	case "cancel":
		return c.callAndReport(cl, dst.CmdCancelEvent, dst.CancelEventRequest{ID: c.id}, fmt.Sprintf("event %d cancelled", c.id))
	case "shutdown":
		return c.callAndReport(cl, dst.CmdShutdown, nil, "simulation shutting down")
	}
	return fmt.Errorf("unknown action %q", c.action)
}

func (c *Ctl) schedule(cl *dst.ControlClient) error {
	at := c.atNS
	if at == 0 {
		var st dst.State
		if err := cl.Call(dst.CmdGetState, nil, &st); err != nil {
			return fmt.Errorf("getting state: %w", err)
		}
		at = st.TimeNS + 1
	}
	req := dst.ScheduleEventRequest{
		TimeNS: at,
		Event:  dst.Event{Kind: dst.EventKind(c.kind), CPU: c.cpu, Dst: c.dstCPU},
	}
	var res dst.ScheduleEventResponse
	if err := cl.Call(dst.CmdScheduleEvent, req, &res); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "event %d scheduled at %d ns\n", res.ID, at)
	return nil
}

func (c *Ctl) callAndPrint(cl *dst.ControlClient, cmd string, req, out any) error {
	if err := cl.Call(cmd, req, out); err != nil {
		return err
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, string(b))
	return nil
}

func (c *Ctl) callAndReport(cl *dst.ControlClient, cmd string, req any, msg string) error {
	if err := cl.Call(cmd, req, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.out, msg)
	return nil
}
