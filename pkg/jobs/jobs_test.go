// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/jobs"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/worker"
)

// TestMain doubles as this package's re-exec'd worker entrypoint: a Job
// spawned with ExePath == the test binary itself lands back here with
// worker.EnvKey set, exactly as cmd/app's hidden worker subcommand does
// for the real binary. Without this, Job.Spawn has nothing to exec.
func TestMain(m *testing.M) {
	if payload := os.Getenv(worker.EnvKey); payload != "" {
		cargs, snapshot, err := worker.ParsePayload(payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(worker.Run(cargs, snapshot))
	}
	os.Exit(m.Run())
}

type fakeItem struct {
	name    string
	applied []string
}

func (f *fakeItem) ID() string                      { return f.name }
func (f *fakeItem) Kind() string                     { return "fake" }
func (f *fakeItem) Consistency() item.Consistency    { return item.Resolved }
func (f *fakeItem) Perform(context.Context, string, *runctx.Context) (interface{}, error) {
	return nil, nil
}
func (f *fakeItem) ApplyResult(action string, _ json.RawMessage) error {
	f.applied = append(f.applied, action)
	return nil
}
func (f *fakeItem) ApplyWorkspace(json.RawMessage) error { return nil }
func (f *fakeItem) Snapshot() (json.RawMessage, error)   { return json.Marshal(f) }

var _ item.WorkItem = (*fakeItem)(nil)

// flakyState is the wire shape flakyItem snapshots itself as, and
// reconstructs itself from inside a re-exec'd Worker process.
type flakyState struct {
	ID   string `json:"id"`
	Fail bool   `json:"fail"`
}

// flakyItem fails its first Perform and succeeds on the next, flipping
// its own Fail flag before returning so the retried attempt's fresh
// Snapshot (taken from the parent's copy once ApplyWorkspace has run)
// carries the updated state across the process boundary.
type flakyItem struct {
	mu   sync.Mutex
	id   string
	fail bool
	done bool
}

func (f *flakyItem) ID() string                   { return f.id }
func (f *flakyItem) Kind() string                 { return "flaky" }
func (f *flakyItem) Consistency() item.Consistency { return item.Resolved }

func (f *flakyItem) Perform(context.Context, string, *runctx.Context) (interface{}, error) {
	f.mu.Lock()
	fail := f.fail
	f.fail = false
	f.mu.Unlock()
	if fail {
		return nil, errors.New("flaky: forced failure on first attempt")
	}
	return map[string]bool{"ok": true}, nil
}

func (f *flakyItem) ApplyResult(string, json.RawMessage) error {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	return nil
}

func (f *flakyItem) ApplyWorkspace(ws json.RawMessage) error {
	var st flakyState
	if err := json.Unmarshal(ws, &st); err != nil {
		return err
	}
	f.mu.Lock()
	f.fail = st.Fail
	f.mu.Unlock()
	return nil
}

func (f *flakyItem) Snapshot() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Marshal(flakyState{ID: f.id, Fail: f.fail})
}

func (f *flakyItem) isDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func init() {
	item.RegisterKind("flaky", func(state json.RawMessage) (item.WorkItem, error) {
		var st flakyState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, err
		}
		return &flakyItem{id: st.ID, fail: st.Fail}, nil
	})
}

func TestWorkerErrorIsMatchesSameDomainAndWrappedError(t *testing.T) {
	base := errors.New("clone failed")
	we1 := jobs.NewWorkerError(base, "git")
	we2 := jobs.NewWorkerError(base, "git")

	assert.True(t, errors.Is(we1, *we2))
}

func TestWorkerErrorIsRejectsDifferentDomain(t *testing.T) {
	base := errors.New("clone failed")
	we1 := jobs.NewWorkerError(base, "git")
	we2 := jobs.NewWorkerError(base, "github")

	assert.False(t, errors.Is(we1, *we2))
}

func TestWorkerErrorUnwrapReturnsUnderlyingError(t *testing.T) {
	base := errors.New("clone failed")
	we := jobs.NewWorkerError(base, "git")
	assert.Equal(t, base, errors.Unwrap(we))
}

func TestJobReportsNotDoneBeforeSpawn(t *testing.T) {
	j := &jobs.Job{ID: "Fetch/repo", Item: &fakeItem{name: "repo"}}
	assert.False(t, j.Done())
	assert.False(t, j.Suspended())
	assert.Nil(t, j.LastError())
}

// TestSpawnRetriesThenCompletesSuccessfully drives a real Spawn through
// one failed attempt and one successful retry, re-exec'ing this test
// binary itself as the Worker (see TestMain). It is the one end-to-end
// exercise of the spawn/drain/retry/CompleteFn state machine that has
// no teacher analogue to lean on.
func TestSpawnRetriesThenCompletesSuccessfully(t *testing.T) {
	it := &flakyItem{id: "x", fail: true}

	var mu sync.Mutex
	var gotSuccess bool
	var gotResult json.RawMessage
	done := make(chan struct{})

	j := &jobs.Job{
		ID:         "Test/x",
		ActionName: "Test",
		Item:       it,
		MaxRetries: 1,
		ExePath:    os.Args[0],
		CompleteFn: func(_ *jobs.Job, _ item.WorkItem, success bool, result json.RawMessage) {
			mu.Lock()
			gotSuccess, gotResult = success, result
			mu.Unlock()
			close(done)
		},
	}

	require.NoError(t, j.Spawn(context.Background()))

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("job did not reach CompleteFn in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotSuccess, "the retried attempt must succeed")
	assert.JSONEq(t, `{"ok":true}`, string(gotResult))
	assert.True(t, it.isDone())
	assert.True(t, j.Done())
}

func TestExecExitErrorHasNonZeroExitStatus(t *testing.T) {
	cmd := exec.Command("false")
	err := cmd.Run()
	var ee *exec.ExitError
	require.True(t, errors.As(err, &ee))
	assert.NotEqual(t, 0, ee.ExitCode())
}
