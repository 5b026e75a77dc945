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
	"fmt"
	"strings"

	"github.com/meehoyuen/NaOS/pkg/sentry/kernel"
	"gvisor.dev/gvisor/pkg/sync"
)

// Status is the outcome of a property check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// CheckResult is the outcome of checking one property.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Step    uint64 `json:"step"`
}

// Pass returns a passing result.
func Pass() CheckResult {
	return CheckResult{Status: StatusPass}
}

// Fail returns a failing result.
func Fail(format string, args ...any) CheckResult {
	return CheckResult{Status: StatusFail, Message: fmt.Sprintf(format, args...)}
}

// Failed reports whether r is a failure.
func (r CheckResult) Failed() bool {
	return r.Status == StatusFail
}

// Property is a predicate over a kernel snapshot.
type Property struct {
	Name  string
	Check func(s *kernel.Snapshot) CheckResult
}

// QueueConsistency holds when every queued thread is in the state its queue
// implies, and no thread is queued twice.
func QueueConsistency() Property {
	return Property{
		Name: "queue-consistency",
		Check: func(s *kernel.Snapshot) CheckResult {
			if v := s.Violations(); len(v) > 0 {
				return Fail("%s", strings.Join(v, "; "))
			}
			return Pass()
		},
	}
}

// IdleNeverQueued holds when no idle thread is in a run queue.
func IdleNeverQueued() Property {
	return Property{
		Name: "idle-never-queued",
		Check: func(s *kernel.Snapshot) CheckResult {
			idle := make(map[string]bool, len(s.CPUs))
			for _, cs := range s.CPUs {
				idle[cs.Idle.Key] = true
			}
			for _, cs := range s.CPUs {
				for _, q := range cs.Queues {
					for _, lists := range [][]kernel.ThreadSnapshot{q.Ready, q.Blocked} {
						for _, ts := range lists {
							if idle[ts.Key] {
								return Fail("idle thread %s queued on cpu %d", ts.Key, cs.ID)
							}
						}
					}
				}
			}
			return Pass()
		},
	}
}

// UniqueCurrent holds when no thread is current on two cores and every
// current thread belongs to the core it runs on.
func UniqueCurrent() Property {
	return Property{
		Name: "unique-current",
		Check: func(s *kernel.Snapshot) CheckResult {
			on := make(map[string]int, len(s.CPUs))
			for _, cs := range s.CPUs {
				cur := cs.Current
				if prev, ok := on[cur.Key]; ok {
					return Fail("thread %s current on cpu %d and cpu %d", cur.Key, prev, cs.ID)
				}
				on[cur.Key] = cs.ID
				if cur.CPU != cs.ID {
					return Fail("thread %s current on cpu %d belongs to cpu %d", cur.Key, cs.ID, cur.CPU)
				}
			}
			return Pass()
		},
	}
}

// DefaultProperties returns the built-in kernel properties.
func DefaultProperties() []Property {
	return []Property{QueueConsistency(), IdleNeverQueued(), UniqueCurrent()}
}

// PropertyChecker checks a set of properties and keeps their failures.
type PropertyChecker struct {
	mu sync.Mutex

	// +checklocks:mu
	properties []Property

	// +checklocks:mu
	failures map[string][]CheckResult

	// +checklocks:mu
	checks uint64

	// +checklocks:mu
	enabled bool
}

// NewPropertyChecker returns an enabled checker for props.
func NewPropertyChecker(props ...Property) *PropertyChecker {
	return &PropertyChecker{
		properties: props,
		failures:   make(map[string][]CheckResult),
		enabled:    true,
	}
}

// Enable enables or disables checking.
func (p *PropertyChecker) Enable(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// Add adds a property.
func (p *PropertyChecker) Add(prop Property) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.properties = append(p.properties, prop)
}

// Names returns the property names in check order.
func (p *PropertyChecker) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.properties))
	for _, prop := range p.properties {
		names = append(names, prop.Name)
	}
	return names
}

// CheckAll checks every property against s at step.
func (p *PropertyChecker) CheckAll(s *kernel.Snapshot, step uint64) map[string]CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return nil
	}
	p.checks++
	results := make(map[string]CheckResult, len(p.properties))
	for _, prop := range p.properties {
		r := prop.Check(s)
		r.Step = step
		results[prop.Name] = r
		if r.Failed() {
			p.failures[prop.Name] = append(p.failures[prop.Name], r)
		}
	}
	return results
}

// Checks returns the number of CheckAll rounds.
func (p *PropertyChecker) Checks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

// Failures returns the failures recorded per property.
func (p *PropertyChecker) Failures() map[string][]CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]CheckResult, len(p.failures))
	for name, rs := range p.failures {
		out[name] = append([]CheckResult(nil), rs...)
	}
	return out
}

// ClearFailures forgets recorded failures.
func (p *PropertyChecker) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = make(map[string][]CheckResult)
}
