// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler owns the cooperative event loop, the ordered
// pipeline of Queues, the per-resource-class token pool, and the OS
// signal bridge (spec.md §4.4). Parallelism lives entirely in the
// Workers each Queue's Jobs spawn; the loop itself only ever waits on
// a signal channel or a short dispatch tick.
package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	klog "k8s.io/klog/v2"

	"github.com/gardener/buildsched/pkg/queue"
	"github.com/gardener/buildsched/pkg/runctx"
)

// Status is a run's terminal outcome (spec.md §4.4).
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusTerminated Status = "TERMINATED"
)

type runState int

const (
	stateStart runState = iota
	stateRunning
	stateSuspended
	stateStopping
	stateTerminating
)

// TokenPool is a counting semaphore per named resource class (spec.md §5
// "Shared-resource policy"): CPU, network, cache, or whatever classes the
// pipeline's Queues declare.
type TokenPool struct {
	mu       sync.Mutex
	capacity map[string]int
	inUse    map[string]int
}

// NewTokenPool builds a TokenPool with the given per-class capacity. A
// class with no entry has unlimited capacity (TryReserve always
// succeeds), which lets a Queue skip resource accounting entirely by
// naming a class nobody configured.
func NewTokenPool(capacity map[string]int) *TokenPool {
	cp := make(map[string]int, len(capacity))
	for k, v := range capacity {
		cp[k] = v
	}
	return &TokenPool{capacity: cp, inUse: map[string]int{}}
}

// TryReserve implements queue.TokenPool.
func (p *TokenPool) TryReserve(class string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	limit, limited := p.capacity[class]
	if !limited {
		return true
	}
	if p.inUse[class] >= limit {
		return false
	}
	p.inUse[class]++
	return true
}

// Release implements queue.TokenPool.
func (p *TokenPool) Release(class string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[class] > 0 {
		p.inUse[class]--
	}
}

// InUse returns a snapshot of reservations per class, mostly useful in
// tests asserting the token-capacity invariant (spec.md §8).
func (p *TokenPool) InUse() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.inUse))
	for k, v := range p.inUse {
		out[k] = v
	}
	return out
}

// Scheduler drives an ordered pipeline of Queues to completion.
type Scheduler struct {
	Pipeline []*queue.Queue
	Tokens   *TokenPool
	RC       *runctx.Context

	// DispatchInterval is how often the loop asks every Queue to
	// dispatch; it is the event loop's only source of periodic wakeups
	// beyond signals and is kept short since dispatch itself is cheap.
	DispatchInterval time.Duration
	// TerminateGrace is how long Terminate waits for in-flight Jobs to
	// exit before escalating to Kill.
	TerminateGrace time.Duration
	// InterruptGrace is the window after a first interrupt within which a
	// second interrupt escalates to terminating every in-flight Job; a
	// later interrupt starts a fresh graceful stop instead.
	InterruptGrace time.Duration

	mu                   sync.Mutex
	state                runState
	internalSuspendCount int
	firstInterruptAt     time.Time
	errs                 *multierror.Error
	// escalated distinguishes a stateStopping/stateTerminating reached via
	// EscalateError from one reached via an interrupt: an escalated run
	// reports ERROR once drained, never TERMINATED, even though both
	// paths stop new dispatch the same way.
	escalated bool
}

// New builds a Scheduler. pipeline order matters: an item kept by stage
// i is only ever enqueued onto stage i+1 by that stage's Queue.Next wiring,
// which the caller must have set up before Run.
func New(pipeline []*queue.Queue, tokens *TokenPool, rc *runctx.Context) *Scheduler {
	s := &Scheduler{
		Pipeline:         pipeline,
		Tokens:           tokens,
		RC:               rc,
		DispatchInterval: 20 * time.Millisecond,
		TerminateGrace:   10 * time.Second,
		InterruptGrace:   2 * time.Second,
	}
	for _, q := range pipeline {
		q.Tokens = tokens
		q.RC = rc
		q.NotifySuspend = s.noteInternalSuspend
		q.Escalate = s.EscalateError
	}
	return s
}

func (s *Scheduler) noteInternalSuspend() {
	s.mu.Lock()
	s.internalSuspendCount++
	s.mu.Unlock()
}

// Run iterates the event loop until every Queue is empty and idle, or a
// terminal condition is reached (spec.md §4.4 "Run").
func (s *Scheduler) Run(ctx context.Context) (time.Duration, Status) {
	start := time.Now()
	s.setState(stateRunning)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(s.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			if status, done := s.handleSignal(sig); done {
				return time.Since(start), status
			}
		case <-ticker.C:
			s.dispatchPass(ctx)
			if status, done := s.checkTerminal(); done {
				return time.Since(start), status
			}
		}
	}
}

func (s *Scheduler) dispatchPass(ctx context.Context) {
	if s.getState() != stateRunning {
		return
	}
	for _, q := range s.Pipeline {
		q.Dispatch(ctx)
	}
}

func (s *Scheduler) checkTerminal() (Status, bool) {
	state, escalated := s.getStateAndEscalated()
	switch state {
	case stateStopping, stateTerminating:
		if s.anyBacklogged() {
			return "", false
		}
		if escalated {
			// Reached STOPPING via EscalateError, not an interrupt: a
			// scheduler-fatal failure always reports ERROR once drained,
			// never TERMINATED.
			return s.finalStatus(), true
		}
		// Once an interrupt has put the run into STOPPING (or a second
		// one escalated to TERMINATING), draining the backlog always
		// reports TERMINATED (spec.md §8 boundary behavior), even if
		// every in-flight Job happened to succeed.
		return StatusTerminated, true
	default:
		if !s.anyBacklogged() {
			return s.finalStatus(), true
		}
	}
	return "", false
}

func (s *Scheduler) finalStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs.ErrorOrNil() != nil {
		return StatusError
	}
	for _, q := range s.Pipeline {
		if q.Errors() != nil {
			return StatusError
		}
	}
	return StatusSuccess
}

func (s *Scheduler) anyBacklogged() bool {
	for _, q := range s.Pipeline {
		if q.Backlogged() {
			return true
		}
	}
	return false
}

func (s *Scheduler) handleSignal(sig os.Signal) (Status, bool) {
	switch sig {
	case syscall.SIGTERM:
		klog.Warning("scheduler: terminate signal received")
		s.terminateAll()
		return StatusTerminated, true
	case os.Interrupt:
		return s.handleInterrupt()
	case syscall.SIGTSTP:
		s.handleSuspend()
	case syscall.SIGCONT:
		s.handleContinue()
	}
	return "", false
}

func (s *Scheduler) handleInterrupt() (Status, bool) {
	s.mu.Lock()
	now := time.Now()
	isSecond := s.getStateLocked() == stateStopping && now.Sub(s.firstInterruptAt) <= s.InterruptGrace
	if !isSecond {
		s.state = stateStopping
		s.firstInterruptAt = now
	}
	s.mu.Unlock()

	if isSecond {
		klog.Warning("scheduler: second interrupt, terminating in-flight jobs")
		s.terminateAll()
		return StatusTerminated, true
	}
	klog.Warning("scheduler: interrupt received, stopping new dispatch")
	return "", false
}

func (s *Scheduler) handleSuspend() {
	s.mu.Lock()
	if s.internalSuspendCount > 0 {
		s.internalSuspendCount--
		s.mu.Unlock()
		return
	}
	s.state = stateSuspended
	s.mu.Unlock()

	for _, q := range s.Pipeline {
		for _, j := range q.ProcessingJobs() {
			if err := j.Suspend(); err != nil {
				klog.Errorf("scheduler: suspend %s: %v", j.ID, err)
			}
		}
	}
}

func (s *Scheduler) handleContinue() {
	s.mu.Lock()
	if s.state == stateSuspended {
		s.state = stateRunning
	}
	s.mu.Unlock()

	for _, q := range s.Pipeline {
		for _, j := range q.ProcessingJobs() {
			if err := j.Resume(); err != nil {
				klog.Errorf("scheduler: resume %s: %v", j.ID, err)
			}
		}
	}
}

func (s *Scheduler) terminateAll() {
	s.setState(stateTerminating)

	var wg sync.WaitGroup
	for _, q := range s.Pipeline {
		for _, j := range q.ProcessingJobs() {
			wg.Add(1)
			go func(j interface{ Terminate() error }) {
				defer wg.Done()
				if err := j.Terminate(); err != nil {
					klog.Errorf("scheduler: terminate: %v", err)
				}
			}(j)
		}
	}
	wg.Wait()

	for _, q := range s.Pipeline {
		for _, j := range q.ProcessingJobs() {
			j := j
			if !j.TerminateWait(s.TerminateGrace) {
				klog.Warningf("scheduler: %s exceeded terminate grace, killing process group", j.ID)
				if err := j.Kill(); err != nil {
					klog.Errorf("scheduler: kill %s: %v", j.ID, err)
				}
			}
		}
	}
}

// EscalateError records a fatal failure and transitions toward ERROR once
// the in-flight backlog drains (spec.md §4.4 "Error escalation"). New
// wires it as every Queue's Escalate, which a FailFast Queue calls with
// its per-item done() failures.
func (s *Scheduler) EscalateError(err error) {
	s.mu.Lock()
	s.errs = multierror.Append(s.errs, err)
	s.escalated = true
	if s.state == stateRunning {
		s.state = stateStopping
	}
	s.mu.Unlock()
}

func (s *Scheduler) setState(st runState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) getState() runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) getStateLocked() runState {
	return s.state
}

func (s *Scheduler) getStateAndEscalated() (runState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.escalated
}
