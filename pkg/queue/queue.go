// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package queue implements one pipeline stage: a FIFO of WorkItems plus
// the three hooks (status/process/done) that give each stage its
// behavior (spec.md §4.3). The dispatch algorithm and its bookkeeping are
// shared by every stage; only Behavior differs between a "Track" queue,
// a "Fetch" queue, a "Build" queue, and so on.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	klog "k8s.io/klog/v2"

	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/jobs"
	"github.com/gardener/buildsched/pkg/runctx"
)

// Status is a Behavior's readiness verdict for one WorkItem.
type Status int

const (
	// Ready means the item may be dispatched to a Worker once a
	// concurrency token is available.
	Ready Status = iota
	// Wait means the item is not yet consumable; it stays in ready,
	// reconsidered on the next dispatch pass.
	Wait
	// Skip means the item bypasses the Worker entirely and is finalized
	// immediately with synthetic success.
	Skip
)

// Behavior is the per-stage implementation a Queue wraps: the action
// name, concurrency resource class, and the three hooks design note §9
// asks to be modeled as a trait object rather than dynamic callbacks.
type Behavior interface {
	// ActionName is the Worker action this stage's Jobs run.
	ActionName() string
	// ResourceClass names the concurrency token pool this stage draws
	// from (e.g. "cpu", "network", "cache").
	ResourceClass() string
	// Status decides readiness for an item currently in ready.
	Status(it item.WorkItem) Status
	// Done runs in the parent once a Job reaches a final outcome. It
	// returns whether the item should be propagated to the next stage —
	// see spec.md §9's keep_in_pipeline Open Question, resolved here as an
	// explicit return value. The Queue forwards an item only when keep is
	// true, err is nil, and success is true; keep on a failed item has no
	// effect.
	Done(it item.WorkItem, success bool, result json.RawMessage) (keep bool, err error)
}

// TokenPool reserves and releases concurrency tokens for one resource
// class. The Scheduler owns the concrete pools; a Queue only ever sees
// this narrow interface.
type TokenPool interface {
	// TryReserve attempts to reserve one token without blocking,
	// reporting whether it succeeded.
	TryReserve(class string) bool
	// Release returns one token of class to the pool.
	Release(class string)
}

// Queue is one pipeline stage (spec.md §3 "Queue state").
type Queue struct {
	Name     string
	Behavior Behavior
	// MaxConcurrent bounds the number of items in processing; zero or
	// less leaves it unbounded.
	MaxConcurrent int
	MaxRetries    int
	LogDir        string
	RC            *runctx.Context
	Tokens        TokenPool
	// FailFast stops the pipeline's progress on the first done() error
	// when true; when false (the default), failures are counted and
	// surfaced without halting other queues (teacher's FailFast flag,
	// generalized from pkg/jobs/jobs.go's Job.FailFast).
	FailFast bool
	// ExePath overrides the re-exec'd Worker binary; propagated to every
	// Job this Queue constructs.
	ExePath string
	// Next, if set, receives items this stage's Behavior.Done kept in
	// the pipeline. Nil on the last stage.
	Next *Queue
	// NotifySuspend, if set, is wired onto every Job this Queue
	// constructs, so the Scheduler can track internal_suspend_count
	// across every in-flight child (spec.md §4.2 item 3).
	NotifySuspend func()
	// Escalate, if set, is called with a done() failure when FailFast is
	// true, letting the Scheduler stop accepting new dispatches and drive
	// the run to ERROR instead of counting the failure and continuing
	// (spec.md §4.4 "Error escalation").
	Escalate func(error)

	mu         sync.Mutex
	ready      []item.WorkItem
	processing map[string]*jobs.Job
	doneCount  int

	processedCount int
	skippedCount   int
	failedCount    int
	errs           *multierror.Error
}

// New constructs an empty Queue for one pipeline stage.
func New(name string, behavior Behavior, maxConcurrent int, tokens TokenPool) *Queue {
	return &Queue{
		Name:          name,
		Behavior:      behavior,
		MaxConcurrent: maxConcurrent,
		Tokens:        tokens,
		processing:    map[string]*jobs.Job{},
	}
}

// Enqueue appends items to the ready FIFO (spec.md §6.2 Queue.enqueue).
func (q *Queue) Enqueue(items ...item.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, items...)
}

// Counts returns the running processed/skipped/failed counters.
func (q *Queue) Counts() (processed, skipped, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processedCount, q.skippedCount, q.failedCount
}

// ActiveJobs reports the number of items currently in processing —
// invariant: ActiveJobs() == |processing| ≤ MaxConcurrent (spec.md §8).
func (q *Queue) ActiveJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// Backlogged reports whether this queue has ready items or in-flight
// Jobs, used by the Scheduler to decide when the run is over.
func (q *Queue) Backlogged() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) > 0 || len(q.processing) > 0
}

// ProcessingJobs returns a snapshot of the Jobs currently in flight, for
// the Scheduler's suspend/resume/terminate/kill broadcasts.
func (q *Queue) ProcessingJobs() []*jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*jobs.Job, 0, len(q.processing))
	for _, j := range q.processing {
		out = append(out, j)
	}
	return out
}

// Errors returns the aggregated done() failures recorded so far.
func (q *Queue) Errors() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errs.ErrorOrNil()
}

// Dispatch walks ready once, skipping or spawning as many items as
// status() and available tokens allow, in FIFO order (spec.md §4.3
// "Dispatch algorithm"). It returns the number of Jobs newly spawned.
func (q *Queue) Dispatch(ctx context.Context) int {
	q.mu.Lock()
	remaining := q.ready[:0:0]
	spawned := 0
	class := q.Behavior.ResourceClass()
	// Items Enqueue()d while the lock is released below land after n and
	// are carried over untouched.
	n := len(q.ready)

	for _, it := range q.ready[:n] {
		switch q.Behavior.Status(it) {
		case Skip:
			q.skippedCount++
			q.mu.Unlock()
			q.finalize(it, true, nil, true)
			q.mu.Lock()
		case Wait:
			remaining = append(remaining, it)
		case Ready:
			if q.MaxConcurrent > 0 && len(q.processing) >= q.MaxConcurrent {
				remaining = append(remaining, it)
				continue
			}
			if q.Tokens != nil && !q.Tokens.TryReserve(class) {
				// No token available this pass; stays in ready,
				// reconsidered next dispatch — ordering guarantee
				// preserved since it is re-appended in place.
				remaining = append(remaining, it)
				continue
			}
			j := q.newJob(it)
			q.processing[it.ID()] = j
			q.mu.Unlock()
			if err := j.Spawn(ctx); err != nil {
				klog.Errorf("queue %s: spawn %s: %v", q.Name, it.ID(), err)
				if q.Tokens != nil {
					q.Tokens.Release(class)
				}
				q.mu.Lock()
				delete(q.processing, it.ID())
				q.failedCount++
				q.mu.Unlock()
			} else {
				spawned++
			}
			q.mu.Lock()
		}
	}
	q.ready = append(remaining, q.ready[n:]...)
	q.mu.Unlock()
	return spawned
}

func (q *Queue) newJob(it item.WorkItem) *jobs.Job {
	j := &jobs.Job{
		ID:         fmt.Sprintf("%s/%s", q.Behavior.ActionName(), it.ID()),
		ActionName: q.Behavior.ActionName(),
		Item:       it,
		MaxRetries: q.MaxRetries,
		LogDir:     q.LogDir,
		RC:         q.RC,
		ExePath:    q.ExePath,
		NotifySuspend: q.NotifySuspend,
	}
	j.CompleteFn = func(_ *jobs.Job, it item.WorkItem, success bool, result json.RawMessage) {
		if q.Tokens != nil {
			q.Tokens.Release(q.Behavior.ResourceClass())
		}
		q.finalize(it, success, result, false)
	}
	return j
}

// finalize runs Behavior.Done and, on keep==true, forwards the item to
// the next stage — the Queue's internal finalizer from spec.md §4.3
// item 2.
func (q *Queue) finalize(it item.WorkItem, success bool, result json.RawMessage, skipped bool) {
	q.mu.Lock()
	if !skipped {
		delete(q.processing, it.ID())
	}
	q.mu.Unlock()

	keep, err := q.Behavior.Done(it, success, result)

	q.mu.Lock()
	q.doneCount++
	if err != nil {
		q.errs = multierror.Append(q.errs, fmt.Errorf("%s: %w", it.ID(), err))
		q.failedCount++
	} else if success {
		q.processedCount++
	} else {
		q.failedCount++
	}
	q.mu.Unlock()

	if err != nil && q.FailFast && q.Escalate != nil {
		q.Escalate(fmt.Errorf("queue %s: %s: %w", q.Name, it.ID(), err))
	}

	if err == nil && keep && success && q.Next != nil {
		q.Next.Enqueue(it)
	}
}
