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

package boot

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/meehoyuen/NaOS/pkg/sentry/dst"
	"gvisor.dev/gvisor/pkg/log"
)

// TraceRecord is one line of a run trace.
type TraceRecord struct {
	Type       string           `json:"type"`
	RunID      string           `json:"run_id,omitempty"`
	Config     *dst.Config      `json:"config,omitempty"`
	Step       uint64           `json:"step,omitempty"`
	TimeNS     int64            `json:"time_ns,omitempty"`
	Event      *dst.Event       `json:"event,omitempty"`
	Applied    bool             `json:"applied,omitempty"`
	Property   string           `json:"property,omitempty"`
	Result     *dst.CheckResult `json:"result,omitempty"`
	Checkpoint dst.CheckpointID `json:"checkpoint,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// TraceWriter writes run events as JSON lines. It implements dst.Listener.
// Steps are not traced, only what happens during them.
type TraceWriter struct {
	enc  *json.Encoder
	step uint64
	err  error
}

// NewTraceWriter returns a TraceWriter writing to w.
func NewTraceWriter(w io.Writer) *TraceWriter {
	return &TraceWriter{enc: json.NewEncoder(w)}
}

// Err returns the first write error.
func (t *TraceWriter) Err() error {
	return t.err
}

func (t *TraceWriter) write(r TraceRecord) {
	if t.err != nil {
		return
	}
	if err := t.enc.Encode(r); err != nil {
		log.Warningf("trace: %v", err)
		t.err = err
	}
}

// OnStart implements dst.Listener.OnStart.
func (t *TraceWriter) OnStart(runID uuid.UUID, cfg dst.Config) {
	t.write(TraceRecord{Type: "start", RunID: runID.String(), Config: &cfg})
}

// OnStep implements dst.Listener.OnStep.
func (t *TraceWriter) OnStep(step uint64, timeNS int64) {
	t.step = step
}

// OnEvent implements dst.Listener.OnEvent. Events are reported before the
// step they belong to completes, so they carry the previous step number
// plus one.
func (t *TraceWriter) OnEvent(ev dst.Event, applied bool) {
	t.write(TraceRecord{Type: "event", Step: t.step + 1, TimeNS: ev.TimeNS, Event: &ev, Applied: applied})
}

// OnPropertyChecked implements dst.Listener.OnPropertyChecked. Only failures
// are traced.
func (t *TraceWriter) OnPropertyChecked(name string, r dst.CheckResult) {
	if !r.Failed() {
		return
	}
	t.write(TraceRecord{Type: "property", Step: r.Step, Property: name, Result: &r})
}

// OnCheckpoint implements dst.Listener.OnCheckpoint.
func (t *TraceWriter) OnCheckpoint(id dst.CheckpointID) {
	t.write(TraceRecord{Type: "checkpoint", Step: t.step, Checkpoint: id})
}

// OnEnd implements dst.Listener.OnEnd.
func (t *TraceWriter) OnEnd(reason string) {
	t.write(TraceRecord{Type: "end", Step: t.step, Reason: reason})
}
