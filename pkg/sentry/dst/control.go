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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// ControlCommand is a request sent to a control server. Commands are
// newline-delimited JSON objects.
type ControlCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ControlResponse answers one command.
type ControlResponse struct {
	Status string          `json:"status"` // "ok" or "error"
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Command types.
const (
	CmdStep             = "Step"
	CmdPause            = "Pause"
	CmdResume           = "Resume"
	CmdGetState         = "GetState"
	CmdGetStats         = "GetStats"
	CmdSnapshot         = "Snapshot"
	CmdSetProbabilities = "SetProbabilities"
	CmdScheduleEvent    = "ScheduleEvent"
	CmdCancelEvent      = "CancelEvent"
	CmdShutdown         = "Shutdown"
)

// StepRequest is the data of a Step command.
type StepRequest struct {
	Steps   uint64 `json:"steps"`
	DeltaNS int64  `json:"delta_ns"`
}

// StepResponse answers a Step command.
type StepResponse struct {
	Step       uint64                 `json:"step"`
	TimeNS     int64                  `json:"time_ns"`
	Events     []Event                `json:"events,omitempty"`
	Properties map[string]CheckResult `json:"properties,omitempty"`
	Running    bool                   `json:"running"`
}

// ScheduleEventRequest is the data of a ScheduleEvent command.
type ScheduleEventRequest struct {
	TimeNS int64 `json:"time_ns"`
	Event  Event `json:"event"`
}

// ScheduleEventResponse answers a ScheduleEvent command.
type ScheduleEventResponse struct {
	ID uint64 `json:"id"`
}

// CancelEventRequest is the data of a CancelEvent command.
type CancelEventRequest struct {
	ID uint64 `json:"id"`
}

// ControlServer serves a coordinator on a unix socket.
type ControlServer struct {
	socketPath  string
	coordinator *Coordinator

	// onShutdown is called once on its own goroutine, after the first
	// Shutdown command has been answered.
	onShutdown   func()
	shutdownOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	conns    sync.WaitGroup
}

// NewControlServer returns a server for coordinator. onShutdown may be nil.
func NewControlServer(socketPath string, coordinator *Coordinator, onShutdown func()) *ControlServer {
	return &ControlServer{
		socketPath:  socketPath,
		coordinator: coordinator,
		onShutdown:  onShutdown,
		done:        make(chan struct{}),
	}
}

// Start listens on the socket and serves connections in the background.
func (s *ControlServer) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	log.Infof("control server listening on %s", s.socketPath)
	go s.acceptLoop(l)
	return nil
}

// Stop closes the listener, waits for open connections and removes the
// socket.
func (s *ControlServer) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	close(s.done)
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	s.conns.Wait()
	os.Remove(s.socketPath)
}

func (s *ControlServer) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warningf("control server accept error: %v", err)
			continue
		}
		s.conns.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *ControlServer) handleConnection(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()
	go func() {
		<-s.done
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var cmd ControlCommand
		if err := dec.Decode(&cmd); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warningf("control: decode error: %v", err)
			}
			return
		}
		resp := s.handleCommand(cmd)
		if err := enc.Encode(resp); err != nil {
			log.Warningf("control: encode error: %v", err)
			return
		}
		if cmd.Type == CmdShutdown {
			if s.onShutdown != nil {
				go s.shutdownOnce.Do(s.onShutdown)
			}
			return
		}
	}
}

func okResponse(v any) ControlResponse {
	if v == nil {
		return ControlResponse{Status: "ok"}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errResponse(err)
	}
	return ControlResponse{Status: "ok", Data: data}
}

func errResponse(err error) ControlResponse {
	return ControlResponse{Status: "error", Error: err.Error()}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *ControlServer) handleCommand(cmd ControlCommand) ControlResponse {
	c := s.coordinator
	switch cmd.Type {
	case CmdStep:
		return s.handleStep(cmd.Data)
	case CmdPause:
		c.Pause()
		return okResponse(nil)
	case CmdResume:
		c.Resume()
		return okResponse(nil)
	case CmdGetState:
		return okResponse(c.State())
	case CmdGetStats:
		return okResponse(c.Stats())
	case CmdSnapshot:
		return okResponse(c.Snapshot())
	case CmdSetProbabilities:
		var p Probabilities
		if err := decodeData(cmd.Data, &p); err != nil {
			return errResponse(err)
		}
		c.Injector().SetProbabilities(p)
		return okResponse(nil)
	case CmdScheduleEvent:
		var req ScheduleEventRequest
		if err := decodeData(cmd.Data, &req); err != nil {
			return errResponse(err)
		}
		return okResponse(ScheduleEventResponse{ID: c.Injector().Schedule(req.TimeNS, req.Event)})
	case CmdCancelEvent:
		var req CancelEventRequest
		if err := decodeData(cmd.Data, &req); err != nil {
			return errResponse(err)
		}
		if !c.Injector().Cancel(req.ID) {
			return errResponse(fmt.Errorf("event %d not found", req.ID))
		}
		return okResponse(nil)
	case CmdShutdown:
		return okResponse(nil)
	}
	return errResponse(fmt.Errorf("unknown command: %s", cmd.Type))
}

func (s *ControlServer) handleStep(data json.RawMessage) ControlResponse {
	var req StepRequest
	if err := decodeData(data, &req); err != nil {
		return errResponse(err)
	}
	if req.Steps == 0 {
		req.Steps = 1
	}
	var resp StepResponse
	for i := uint64(0); i < req.Steps; i++ {
		r := s.coordinator.Step(req.DeltaNS)
		resp.Step = r.Step
		resp.TimeNS = r.TimeNS
		resp.Events = append(resp.Events, r.Events...)
		if r.Properties != nil {
			resp.Properties = r.Properties
		}
		resp.Running = r.Running
		if !r.Running {
			break
		}
	}
	return okResponse(resp)
}

// ControlClient talks to a control server.
type ControlClient struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// DialControl connects to the control server at socketPath.
func DialControl(socketPath string) (*ControlClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &ControlClient{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

// Call sends a command with data (which may be nil) and decodes the
// response data into out (which may be nil).
func (cl *ControlClient) Call(cmdType string, data, out any) error {
	cmd := ControlCommand{Type: cmdType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		cmd.Data = raw
	}
	if err := cl.enc.Encode(cmd); err != nil {
		return fmt.Errorf("sending %s: %w", cmdType, err)
	}
	var resp ControlResponse
	if err := cl.dec.Decode(&resp); err != nil {
		return fmt.Errorf("reading %s response: %w", cmdType, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%s: %s", cmdType, resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}

// Close closes the connection.
func (cl *ControlClient) Close() error {
	return cl.conn.Close()
}
