// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/queue"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/scheduler"
)

type fakeItem struct{ id string }

func (f *fakeItem) ID() string                    { return f.id }
func (f *fakeItem) Kind() string                  { return "fake" }
func (f *fakeItem) Consistency() item.Consistency { return item.Resolved }
func (f *fakeItem) Perform(context.Context, string, *runctx.Context) (interface{}, error) {
	return nil, nil
}
func (f *fakeItem) ApplyResult(string, json.RawMessage) error { return nil }
func (f *fakeItem) ApplyWorkspace(json.RawMessage) error      { return nil }
func (f *fakeItem) Snapshot() (json.RawMessage, error)        { return json.Marshal(f) }

// skipOK finalizes every item immediately with success, never spawning a
// Worker.
type skipOK struct{}

func (skipOK) ActionName() string                    { return "Noop" }
func (skipOK) ResourceClass() string                 { return "test" }
func (skipOK) Status(item.WorkItem) queue.Status     { return queue.Skip }
func (skipOK) Done(item.WorkItem, bool, json.RawMessage) (bool, error) {
	return true, nil
}

// skipFail finalizes every item immediately with a done() error, the
// trigger FailFast escalates on.
type skipFail struct{}

func (skipFail) ActionName() string                { return "Noop" }
func (skipFail) ResourceClass() string             { return "test" }
func (skipFail) Status(item.WorkItem) queue.Status { return queue.Skip }
func (skipFail) Done(item.WorkItem, bool, json.RawMessage) (bool, error) {
	return false, assert.AnError
}

// waitForever never becomes ready, keeping a Queue backlogged until
// something external (an interrupt) ends the run.
type waitForever struct{}

func (waitForever) ActionName() string                { return "Noop" }
func (waitForever) ResourceClass() string             { return "test" }
func (waitForever) Status(item.WorkItem) queue.Status { return queue.Wait }
func (waitForever) Done(item.WorkItem, bool, json.RawMessage) (bool, error) {
	return false, nil
}

// controllable stays in Wait until release is called, letting a test hold
// a Queue backlogged across a suspend/resume cycle before letting it
// drain on its own terms.
type controllable struct {
	mu    sync.Mutex
	ready bool
}

func (c *controllable) release() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *controllable) ActionName() string    { return "Noop" }
func (c *controllable) ResourceClass() string { return "test" }
func (c *controllable) Status(item.WorkItem) queue.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return queue.Skip
	}
	return queue.Wait
}
func (c *controllable) Done(item.WorkItem, bool, json.RawMessage) (bool, error) {
	return true, nil
}

func newTestScheduler(q *queue.Queue) *scheduler.Scheduler {
	sched := scheduler.New([]*queue.Queue{q}, scheduler.NewTokenPool(nil), runctx.New())
	sched.DispatchInterval = time.Millisecond
	return sched
}

func runWithTimeout(t *testing.T, sched *scheduler.Scheduler) (time.Duration, scheduler.Status) {
	t.Helper()
	type res struct {
		d time.Duration
		s scheduler.Status
	}
	done := make(chan res, 1)
	go func() {
		d, s := sched.Run(context.Background())
		done <- res{d, s}
	}()
	select {
	case r := <-done:
		return r.d, r.s
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler.Run did not return in time")
		return 0, ""
	}
}

func TestRunSucceedsOnceBacklogDrains(t *testing.T) {
	q := queue.New("noop", skipOK{}, 1, nil)
	q.Enqueue(&fakeItem{id: "a"}, &fakeItem{id: "b"})
	sched := newTestScheduler(q)

	_, status := runWithTimeout(t, sched)
	assert.Equal(t, scheduler.StatusSuccess, status)
}

func TestRunReportsErrorOnQueueFailures(t *testing.T) {
	q := queue.New("noop", skipFail{}, 1, nil)
	q.Enqueue(&fakeItem{id: "a"})
	sched := newTestScheduler(q)

	_, status := runWithTimeout(t, sched)
	assert.Equal(t, scheduler.StatusError, status)
}

func TestRunEscalatesToErrorWithFailFast(t *testing.T) {
	q := queue.New("noop", skipFail{}, 1, nil)
	q.FailFast = true
	q.Enqueue(&fakeItem{id: "a"}, &fakeItem{id: "b"})
	sched := newTestScheduler(q)

	// The escalation path (EscalateError -> stateStopping) must still
	// surface ERROR, not TERMINATED, once the backlog drains.
	_, status := runWithTimeout(t, sched)
	assert.Equal(t, scheduler.StatusError, status)
}

// TestSecondInterruptTerminatesMidRun exercises spec.md §8 scenario 4: a
// queue stuck in Wait never drains on its own, so the run only ends once
// a second interrupt (within grace) escalates to TERMINATING.
func TestSecondInterruptTerminatesMidRun(t *testing.T) {
	q := queue.New("noop", waitForever{}, 1, nil)
	q.Enqueue(&fakeItem{id: "a"})
	sched := newTestScheduler(q)
	sched.InterruptGrace = 5 * time.Second

	type res struct {
		d time.Duration
		s scheduler.Status
	}
	done := make(chan res, 1)
	go func() {
		d, s := sched.Run(context.Background())
		done <- res{d, s}
	}()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case r := <-done:
		assert.Equal(t, scheduler.StatusTerminated, r.s)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler.Run did not terminate after the second interrupt")
	}
}

// TestSuspendThenContinueResumesNormalCompletion exercises spec.md §8
// scenario 5: a SIGTSTP/SIGCONT pair suspends and resumes the loop
// without ending the run, which then completes normally once its
// (trivial, Skip-only) backlog drains.
func TestSuspendThenContinueResumesNormalCompletion(t *testing.T) {
	behavior := &controllable{}
	q := queue.New("noop", behavior, 1, nil)
	q.Enqueue(&fakeItem{id: "a"})
	sched := newTestScheduler(q)

	var wg sync.WaitGroup
	wg.Add(1)
	var status scheduler.Status
	go func() {
		defer wg.Done()
		_, status = sched.Run(context.Background())
	}()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTSTP))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGCONT))
	time.Sleep(20 * time.Millisecond)

	// The backlog only drains once released, after the suspend/resume
	// cycle — proving the run is still alive and dispatching, not
	// terminated by the signals.
	behavior.release()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		assert.Equal(t, scheduler.StatusSuccess, status)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler.Run did not resume and complete after SIGCONT")
	}
}
