// Copyright (c) 2018 SAP SE or an SAP affiliate company. All rights reserved.
// This file is licensed under the Apache Software License, v.2 except as noted otherwise in the LICENSE file
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jobs is the parent-side handle for a single Worker: it spawns
// the child process, drains its envelope stream, and either re-spawns it
// on a retryable failure or reports a final outcome exactly once
// (spec.md §4.2).
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	klog "k8s.io/klog/v2"

	"github.com/gardener/buildsched/pkg/envelope"
	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/procsignal"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/transport"
	"github.com/gardener/buildsched/pkg/worker"
)

// WorkerError wraps the underlying error struct and adds the Envelope
// Error's domain classifier to enrich the context of the error, the way
// the teacher's WorkerError enriched an error with an HTTP-status-like
// code.
type WorkerError struct {
	error
	Domain string
}

// NewWorkerError creates a WorkerError.
func NewWorkerError(err error, domain string) *WorkerError {
	return &WorkerError{err, domain}
}

// Is implements the contract for errors.Is (https://golang.org/pkg/errors/#Is).
func (we WorkerError) Is(target error) bool {
	_target, ok := target.(WorkerError)
	if !ok {
		return false
	}
	if we.Domain != _target.Domain {
		return false
	}
	return errors.Is(we.error, _target.error)
}

// Unwrap implements the contract for errors.Unwrap (https://golang.org/pkg/errors/#Unwrap).
func (we WorkerError) Unwrap() error {
	return we.error
}

// CompleteFunc is invoked exactly once per Job, once it reaches a final
// outcome (spec.md §4.2 Contract). result is the last successful
// attempt's Result payload, or nil if every attempt failed.
type CompleteFunc func(j *Job, it item.WorkItem, success bool, result json.RawMessage)

// Job is the parent-side handle for one WorkItem's passage through a
// single Queue stage's action: spawn → drain → (retry | final).
type Job struct {
	// ID identifies this Job in log messages; conventionally
	// "<action>/<item id>".
	ID string
	// ActionName is the Queue action this Job's Worker will run.
	ActionName string
	// Item is the WorkItem this Job drives. Only its ID/Kind/Snapshot are
	// ever sent across the process boundary; Apply* methods run here, in
	// the parent.
	Item item.WorkItem
	// MaxRetries bounds retry attempts: a Job makes at most MaxRetries+1
	// spawns.
	MaxRetries int
	// LogDir is the per-action log file directory handed to the Worker.
	LogDir string
	// RC is the message bus Message envelopes are forwarded onto. May be
	// nil, in which case Message envelopes are dropped.
	RC *runctx.Context
	// CompleteFn is invoked exactly once when this Job reaches a final
	// outcome.
	CompleteFn CompleteFunc
	// NotifySuspend, if set, is called immediately before this Job sends
	// the suspend signal to its own child — the scheduler uses this to
	// increment internal_suspend_count so it can absorb the echoed
	// suspend notification the OS delivers back (spec.md §4.2 item 3).
	NotifySuspend func()
	// ExePath overrides the re-exec'd binary; defaults to os.Args[0].
	ExePath string

	mu          sync.Mutex
	tries       int
	pid         int
	pipe        *transport.Pipe
	suspended   bool
	terminating bool
	done        bool
	result      json.RawMessage
	workspace   json.RawMessage
	lastErr     *WorkerError
}

// Spawn starts the first Worker attempt. Retries (if any) happen
// internally, asynchronously, without a further call to Spawn.
func (j *Job) Spawn(ctx context.Context) error {
	j.mu.Lock()
	if j.tries != 0 {
		j.mu.Unlock()
		return fmt.Errorf("jobs: %s already spawned", j.ID)
	}
	j.mu.Unlock()
	return j.spawnAttempt(ctx)
}

func (j *Job) spawnAttempt(ctx context.Context) error {
	j.mu.Lock()
	j.tries++
	tries := j.tries
	j.mu.Unlock()

	pipe, err := transport.NewPipe()
	if err != nil {
		return fmt.Errorf("jobs: %s: new pipe: %w", j.ID, err)
	}

	snapshot, err := j.Item.Snapshot()
	if err != nil {
		_ = pipe.CloseChild()
		return fmt.Errorf("jobs: %s: snapshot item: %w", j.ID, err)
	}

	payload, err := json.Marshal(worker.ChildPayload{
		Args: worker.ChildArgs{
			ActionName: j.ActionName,
			ItemKind:   j.Item.Kind(),
			ItemID:     j.Item.ID(),
			Tries:      tries,
			MaxRetries: j.MaxRetries,
			LogDir:     j.LogDir,
		},
		Snapshot: snapshot,
	})
	if err != nil {
		_ = pipe.CloseChild()
		return fmt.Errorf("jobs: %s: marshal child payload: %w", j.ID, err)
	}

	exe := j.ExePath
	if exe == "" {
		exe = os.Args[0]
	}

	cmd := exec.CommandContext(ctx, exe, worker.Subcommand)
	cmd.Env = append(os.Environ(), worker.EnvKey+"="+string(payload))
	cmd.ExtraFiles = []*os.File{pipe.Child}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = procsignal.DetachAttr()

	// Interrupt is blocked for the duration of the fork+exec so the
	// child is never handed an interrupt mid-spawn (spec.md §4.2 item 1).
	startErr := procsignal.Blocked([]os.Signal{os.Interrupt}, func() error {
		return cmd.Start()
	})
	// The parent's copy of the child's write end must close regardless of
	// whether Start succeeded, or a failed spawn leaks a pipe.
	_ = pipe.CloseChild()
	if startErr != nil {
		return fmt.Errorf("jobs: %s: start worker: %w", j.ID, startErr)
	}

	j.mu.Lock()
	j.pid = cmd.Process.Pid
	j.pipe = pipe
	j.suspended = false
	j.mu.Unlock()

	klog.V(6).Infof("jobs: %s: spawned attempt %d, pid %d", j.ID, tries, cmd.Process.Pid)

	go j.drainAndWait(ctx, pipe, cmd, tries)
	return nil
}

// drainAndWait owns one attempt end to end: it consumes envelopes until
// the pipe closes, reaps the child, and decides retry vs final.
func (j *Job) drainAndWait(ctx context.Context, pipe *transport.Pipe, cmd *exec.Cmd, tries int) {
	reader := pipe.Parent()
	for env := range reader.Envelopes() {
		j.handleEnvelope(env)
	}
	_ = reader.Close()

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(waitErr)

	j.mu.Lock()
	terminating := j.terminating
	j.mu.Unlock()

	if !terminating && exitCode != 0 && tries <= j.MaxRetries {
		klog.V(4).Infof("jobs: %s: attempt %d failed (exit %d), retrying (max_retries=%d)", j.ID, tries, exitCode, j.MaxRetries)
		if err := j.spawnAttempt(ctx); err == nil {
			return
		} else {
			klog.Errorf("jobs: %s: retry spawn failed, giving up: %v", j.ID, err)
		}
	}

	j.finish(exitCode == 0 && !terminating)
}

func (j *Job) handleEnvelope(env envelope.Envelope) {
	switch env.Tag {
	case envelope.TagMessage:
		if j.RC != nil && env.Message != nil {
			j.RC.Emit(*env.Message)
		}
	case envelope.TagError:
		if env.Error == nil {
			return
		}
		j.mu.Lock()
		j.lastErr = NewWorkerError(errors.New(env.Error.Reason), env.Error.Domain)
		j.mu.Unlock()
		if j.RC != nil {
			j.RC.SetLastTaskError(env.Error.Domain, env.Error.Reason)
		}
	case envelope.TagResult:
		j.mu.Lock()
		if j.result != nil {
			j.mu.Unlock()
			klog.Warningf("jobs: %s: result already set, ignoring duplicate envelope", j.ID)
			return
		}
		j.result = env.Result
		j.mu.Unlock()
		if err := j.Item.ApplyResult(j.ActionName, env.Result); err != nil {
			klog.Errorf("jobs: %s: apply result: %v", j.ID, err)
		}
	case envelope.TagWorkspace:
		// Unlike Result, a Workspace envelope is sent on every attempt,
		// failed or not (worker.sendWorkspace), so that a retry never
		// loses state an earlier, failed attempt mutated. The latest one
		// always wins; there is no once-only guard here.
		j.mu.Lock()
		j.workspace = env.Workspace
		j.mu.Unlock()
		if err := j.Item.ApplyWorkspace(env.Workspace); err != nil {
			klog.Errorf("jobs: %s: apply workspace: %v", j.ID, err)
		}
	}
}

func (j *Job) finish(success bool) {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.done = true
	result := j.result
	cfn := j.CompleteFn
	it := j.Item
	j.mu.Unlock()

	if cfn != nil {
		cfn(j, it, success, result)
	}
}

// Suspended reports whether the current attempt is stopped.
func (j *Job) Suspended() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.suspended
}

// Done reports whether this Job has reached its final outcome.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// LastError returns the most recent Error envelope's contents, if any.
func (j *Job) LastError() *WorkerError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Suspend stops the current attempt's child process (spec.md §4.2 item 3).
func (j *Job) Suspend() error {
	j.mu.Lock()
	pid := j.pid
	already := j.suspended
	j.mu.Unlock()
	if pid == 0 || already {
		return nil
	}
	if j.NotifySuspend != nil {
		j.NotifySuspend()
	}
	if err := procsignal.Signal(pid, syscall.SIGTSTP); err != nil {
		return fmt.Errorf("jobs: %s: suspend: %w", j.ID, err)
	}
	j.mu.Lock()
	j.suspended = true
	j.mu.Unlock()
	return nil
}

// Resume continues a suspended attempt's child process.
func (j *Job) Resume() error {
	j.mu.Lock()
	pid := j.pid
	suspended := j.suspended
	j.mu.Unlock()
	if pid == 0 || !suspended {
		return nil
	}
	if err := procsignal.Signal(pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("jobs: %s: resume: %w", j.ID, err)
	}
	j.mu.Lock()
	j.suspended = false
	j.mu.Unlock()
	return nil
}

// Terminate resumes silently if suspended, then sends the OS terminate
// signal to the current attempt's child (spec.md §4.2 item 4). It does
// not wait; use TerminateWait for that.
func (j *Job) Terminate() error {
	j.mu.Lock()
	pid := j.pid
	suspended := j.suspended
	j.mu.Unlock()

	if suspended {
		if err := procsignal.Signal(pid, syscall.SIGCONT); err != nil {
			klog.Warningf("jobs: %s: resume before terminate: %v", j.ID, err)
		}
		j.mu.Lock()
		j.suspended = false
		j.mu.Unlock()
	}

	j.mu.Lock()
	j.terminating = true
	j.mu.Unlock()

	if pid == 0 {
		return nil
	}
	return procsignal.Signal(pid, syscall.SIGTERM)
}

// TerminateWait blocks until this Job reaches a final outcome or timeout
// elapses, returning whether it finished in time.
func (j *Job) TerminateWait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if j.Done() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Kill escalates to SIGKILL of the entire process group rooted at the
// current attempt's child, for when TerminateWait's grace period expires.
func (j *Job) Kill() error {
	j.mu.Lock()
	pid := j.pid
	j.terminating = true
	j.mu.Unlock()
	if pid == 0 {
		return nil
	}
	return procsignal.SignalGroup(pid, syscall.SIGKILL)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return 1
	}
	return 1
}
