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

package kernel

import (
	"github.com/meehoyuen/NaOS/pkg/halt"
	"gvisor.dev/gvisor/pkg/log"
)

// KillFlags modify KillThread.
type KillFlags uint32

// KillProcess kills the target's whole process.
const KillProcess KillFlags = 1

// stopThread moves t to the stop state with exit value ret. A queued thread
// is finished immediately; a running one is finished by its core once it
// has switched away. Only the first call for a thread has an effect.
func (k *Kernel) stopThread(c *CPU, t *Thread, ret int64) {
	if !t.testAndSetAttr(AttrExiting) {
		return
	}
	t.exitValue.Store(ret)
	switch from := k.setState(c, t, StateStop); {
	case from == StateRunning:
		if c.Current() != t {
			k.CPUOf(t).arch.Raise(ReschedVector)
		}
	case from == StateReady || from.Blocked():
		k.policyOf(t).Remove(c, t)
		k.finishExit(c, t)
	}
}

// finishExit runs once t is stopped and off every core. Detached threads
// and threads of an exiting process are destroyed, others wait to be
// joined.
func (k *Kernel) finishExit(c *CPU, t *Thread) {
	p := t.process
	log.Debugf("thread %v exited with %d", t, t.ExitValue())
	switch {
	case t.Has(AttrDetached):
		if t.transition(StateStop, StateDestroy) {
			k.deleteThread(c, t)
		}
	case p.Has(ProcExiting):
		t.transition(StateStop, StateDestroy)
	}
	k.wakeUp(c, &t.waitQ)
	if p.Has(ProcDestroy) {
		k.CheckProcess(c, p)
	}
}

// deleteThread frees t. Only the first call for a thread has an effect.
func (k *Kernel) deleteThread(c *CPU, t *Thread) {
	p := t.process
	g := p.mu.LockIRQ(c.arch)
	if !p.removeThread(t) {
		g.Unlock()
		return
	}
	if p.main == t {
		p.main = nil
	}
	g.Unlock()
	k.freeThread(t)
}

func (k *Kernel) freeThread(t *Thread) {
	halt.Assert(t.onCPU.Load() == 0, "thread %v freed while on a cpu", t)
	log.Debugf("thread %v destroyed", t)
	k.stacks.Free(t.stack)
	t.process.tids.Collect(int64(t.tid))
	k.threadSlab.Delete(t)
}

// ExitThread stops t with exit value ret. t must not be the caller; a
// running t is stopped at its next reschedule.
func (k *Kernel) ExitThread(c *CPU, t *Thread, ret int64) {
	log.Debugf("exit thread %v code %d", t, ret)
	k.stopThread(c, t, ret)
}

// ExitCurrentThread ends the calling thread t with exit value ret. It only
// returns under a switcher that does not transfer control.
func (k *Kernel) ExitCurrentThread(t *Thread, ret int64) {
	c := k.CPUOf(t)
	halt.Assert(c.Current() == t, "thread %v: exit from cpu %d running %v", t, c.id, c.Current())
	k.ExitThread(c, t, ret)
	k.Schedule(c, 0)
}

// ExitProcess stops every thread of p, releases its resources and wakes
// the threads waiting for it.
func (k *Kernel) ExitProcess(c *CPU, p *Process, code int64) error {
	if p == k.kernelProc {
		return ErrKernelProcess
	}
	if p.Has(ProcExiting) {
		return nil
	}
	log.Debugf("%v exit with code %d", p, code)
	p.exitCode.Store(code)
	p.setAttr(ProcExiting)
	for _, t := range p.Threads(c) {
		if s := t.State(); s == StateStop {
			t.transition(StateStop, StateDestroy)
			continue
		}
		k.stopThread(c, t, code)
	}
	p.res.Clear()
	p.setAttr(ProcNoThread)
	k.wakeUp(c, &p.waitQ)
	return nil
}

// ExitCurrentProcess ends the process of the calling thread t.
func (k *Kernel) ExitCurrentProcess(t *Thread, code int64) {
	c := k.CPUOf(t)
	if err := k.ExitProcess(c, t.process, code); err != nil {
		halt.Fatalf("thread %v: process exit: %v", t, err)
	}
	k.Schedule(k.CPUOf(t), 0)
}

// KillThread ends t, or its whole process with KillProcess, with exit
// value -1.
func (k *Kernel) KillThread(c *CPU, t *Thread, flags KillFlags) error {
	if t == nil {
		return ErrNoTarget
	}
	if t.isIdle() {
		return ErrKernelProcess
	}
	if flags&KillProcess != 0 {
		return k.ExitProcess(c, t.process, -1)
	}
	k.ExitThread(c, t, -1)
	return nil
}

// StopThread parks t uninterruptibly until ContinueThread. Threads that
// are already blocked or have exited are left as they are.
func (k *Kernel) StopThread(c *CPU, t *Thread) {
	if t.isIdle() {
		return
	}
	if k.setState(c, t, stateParked) == StateRunning && c.Current() != t {
		k.CPUOf(t).arch.Raise(ReschedVector)
	}
}

// ContinueThread resumes a thread parked by StopThread.
func (k *Kernel) ContinueThread(c *CPU, t *Thread) {
	k.Wake(c, t)
}

// checkTarget validates the target of a join or detach by t.
func checkTarget(t, target *Thread) error {
	switch {
	case target == nil:
		return ErrNoTarget
	case target == t:
		return ErrSelfJoin
	case target.Has(AttrDetached):
		return ErrDetached
	case target.Has(AttrMain):
		return ErrMainThread
	}
	return nil
}

// JoinThread waits for target to exit and returns its exit value. The last
// joiner destroys target.
func (k *Kernel) JoinThread(t, target *Thread) (int64, error) {
	if err := checkTarget(t, target); err != nil {
		return 0, err
	}
	if !k.threadSlab.InUse(target) || target.State() == StateDestroy {
		return 0, ErrNoTarget
	}
	target.waiters.Add(1)
	k.wait(t, &target.waitQ, func() bool {
		s := target.State()
		return s == StateStop || s == StateDestroy
	}, StateInterruptible)
	ret := target.ExitValue()
	if target.waiters.Add(-1) == 0 && target.transition(StateStop, StateDestroy) {
		k.CheckThread(k.CPUOf(t), target)
	}
	return ret, nil
}

// DetachThread makes target free itself on exit. A target that already
// exited is freed now.
func (k *Kernel) DetachThread(t, target *Thread) error {
	if err := checkTarget(t, target); err != nil {
		return err
	}
	target.setAttr(AttrDetached)
	if target.transition(StateStop, StateDestroy) {
		k.CheckThread(k.CPUOf(t), target)
	}
	return nil
}

// WaitProcess waits for p to exit and returns its exit code. The last
// waiter marks p for destruction; a process already reaped is no longer a
// target.
func (k *Kernel) WaitProcess(t *Thread, p *Process) (int64, error) {
	if p == nil {
		return 0, ErrNoTarget
	}
	if p == t.process {
		return 0, ErrSelfJoin
	}
	if p == k.kernelProc {
		return 0, ErrKernelProcess
	}
	if !k.processSlab.InUse(p) || p.Has(ProcDestroy) {
		return 0, ErrNoTarget
	}
	p.waiters.Add(1)
	k.wait(t, &p.waitQ, func() bool { return p.Has(ProcNoThread) }, StateInterruptible)
	code := p.ExitCode()
	if p.waiters.Add(-1) == 0 && p.testAndSetAttr(ProcDestroy) {
		k.CheckProcess(k.CPUOf(t), p)
	}
	return code, nil
}

// CheckThread frees t if it has been destroyed.
func (k *Kernel) CheckThread(c *CPU, t *Thread) {
	halt.Assert(c.Current() != t, "thread %v: check of the current thread", t)
	if t.State() == StateDestroy {
		k.deleteThread(c, t)
	}
}

// CheckProcess frees the destroyed threads of a process marked for
// destruction, and the process once none are left. Threads still on a core
// are left for the sweep run when they finish exiting.
func (k *Kernel) CheckProcess(c *CPU, p *Process) {
	if !p.Has(ProcDestroy) {
		return
	}
	var freed []*Thread
	g := p.mu.LockIRQ(c.arch)
	kept := p.threads[:0]
	for _, t := range p.threads {
		if t.State() == StateDestroy && t.onCPU.Load() == 0 {
			freed = append(freed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(p.threads); i++ {
		p.threads[i] = nil
	}
	p.threads = kept
	empty := len(kept) == 0
	if empty {
		p.main = nil
	}
	g.Unlock()

	for _, t := range freed {
		k.freeThread(t)
	}
	if empty {
		k.deleteProcess(c, p)
	}
}

// DestroyProcess marks an exited process for destruction and frees what
// can be freed.
func (k *Kernel) DestroyProcess(c *CPU, p *Process) error {
	if p == nil {
		return ErrNoTarget
	}
	if !p.Has(ProcNoThread) {
		return ErrInvalid
	}
	p.setAttr(ProcDestroy)
	k.CheckProcess(c, p)
	return nil
}
