// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package worker is the code that runs inside a re-exec'd child process:
// it decodes the WorkItem snapshot a Job handed it, runs exactly one
// named action, and streams Message/Result/Workspace/Error envelopes
// back to the parent over the inherited transport pipe (spec.md §4.1).
//
// There is deliberately no registry of "actions" here distinct from the
// WorkItem itself — action dispatch is WorkItem.Perform(ctx, action, rc).
// What this package owns is everything around that call: signal
// handling, timing, the per-action log file, and translating the
// call's outcome into the exact envelope sequence §4.1 specifies.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/gardener/buildsched/pkg/envelope"
	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/procsignal"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/transport"
)

// DomainError is the "recognized error type" spec.md §4.1 distinguishes
// from an unhandled bug: a WorkItem action returns one when it hit an
// expected, classifiable failure (network flake, missing ref, bad
// manifest) rather than a programming error.
type DomainError struct {
	Domain string
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Domain, e.Reason)
}

// NewDomainError builds a DomainError.
func NewDomainError(domain, reason string) *DomainError {
	return &DomainError{Domain: domain, Reason: reason}
}

// ChildArgs is the per-spawn configuration a Job passes to a re-exec'd
// Worker process, carried as JSON in the EnvKey environment variable and
// read back by the host binary's hidden worker subcommand.
type ChildArgs struct {
	ActionName string
	ItemKind   string
	ItemID     string
	Tries      int
	MaxRetries int
	LogDir     string
}

// Subcommand is the hidden cobra command name a host binary (cmd/app)
// registers to reach Run: a Job re-execs os.Args[0] with this as its sole
// positional argument, the self-reexec idiom standing in for
// multiprocessing.Process(target=...), which Go has no equivalent of.
const Subcommand = "__buildsched_worker"

// EnvKey names the environment variable a re-exec'd process reads its
// ChildPayload from. An env var is used instead of argv so a snapshot
// containing arbitrary JSON never has to survive shell/argv quoting.
const EnvKey = "BUILDSCHED_WORKER_PAYLOAD"

// ChildPayload is the full env-var-carried input to a Worker process.
type ChildPayload struct {
	Args     ChildArgs       `json:"args"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// ParsePayload decodes the value of EnvKey.
func ParsePayload(raw string) (ChildArgs, json.RawMessage, error) {
	var p ChildPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ChildArgs{}, nil, fmt.Errorf("worker: decode child payload: %w", err)
	}
	return p.Args, p.Snapshot, nil
}

// Run is the Worker entrypoint. It owns the process end to end: it never
// returns until the action has fully completed (or panicked), and its
// return value is the process exit code the caller (cmd/app's worker
// subcommand) must os.Exit with.
func Run(args ChildArgs, snapshot json.RawMessage) int {
	w := transport.ChildWriter()
	defer w.Close()

	wi, err := item.Decode(args.ItemKind, snapshot)
	if err != nil {
		writeBug(w, args, fmt.Sprintf("decode item snapshot: %v", err), "")
		return 1
	}

	logFile := openActionLog(args)
	if logFile != nil {
		defer logFile.Close()
	}

	rc := runctx.New()
	rc.SetMessageHandler(func(m envelope.StatusMessage) {
		if logFile != nil {
			fmt.Fprintf(logFile, "%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339Nano), m.Severity, m.Text)
		}
		_ = envelope.Write(w, envelope.NewMessage(m))
	})

	var pauseStart time.Time
	var paused time.Duration
	teardown := procsignal.Suspendable(
		func() { pauseStart = time.Now() },
		func() { paused += time.Since(pauseStart) },
	)
	// Shutdown ordering (spec.md §4.1): the suspend scope must be torn
	// down before this function returns and the process exits, so the
	// Worker can never be suspended mid-shutdown.
	defer teardown()

	rc.Emit(envelope.StatusMessage{
		Severity:   envelope.SeverityStart,
		ActionName: args.ActionName,
		ItemID:     args.ItemID,
	})

	return runAction(w, rc, args, wi, &paused)
}

func runAction(w io.Writer, rc *runctx.Context, args ChildArgs, wi item.WorkItem, paused *time.Duration) (code int) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			rc.Emit(envelope.StatusMessage{
				Severity:   envelope.SeverityBug,
				ActionName: args.ActionName,
				ItemID:     args.ItemID,
				Text:       fmt.Sprintf("unhandled panic: %v", r),
				Detail:     string(debug.Stack()),
			})
			code = 1
		}
	}()

	result, err := wi.Perform(context.Background(), args.ActionName, rc)
	elapsed := time.Since(start) - *paused

	if err != nil {
		var de *DomainError
		errors.As(err, &de)
		severity := envelope.SeverityFail
		if args.Tries <= args.MaxRetries {
			severity = envelope.SeverityWarn
		}
		rc.Emit(envelope.StatusMessage{
			Severity:   severity,
			ActionName: args.ActionName,
			ItemID:     args.ItemID,
			Text:       err.Error(),
			ElapsedMS:  elapsed.Milliseconds(),
		})

		sendWorkspace(w, wi)

		domain, reason := "", err.Error()
		if de != nil {
			domain, reason = de.Domain, de.Reason
		}
		_ = envelope.Write(w, envelope.NewError(domain, reason))
		return 1
	}

	sendWorkspace(w, wi)
	if res, merr := envelope.NewResult(result); merr == nil {
		_ = envelope.Write(w, res)
	} else {
		rc.Emit(envelope.StatusMessage{
			Severity:   envelope.SeverityBug,
			ActionName: args.ActionName,
			ItemID:     args.ItemID,
			Text:       fmt.Sprintf("marshal result: %v", merr),
		})
		return 1
	}

	rc.Emit(envelope.StatusMessage{
		Severity:   envelope.SeveritySuccess,
		ActionName: args.ActionName,
		ItemID:     args.ItemID,
		ElapsedMS:  elapsed.Milliseconds(),
	})
	return 0
}

// sendWorkspace is sent even on failure, to preserve whatever state the
// action mutated before it hit trouble (spec.md §4.1).
func sendWorkspace(w io.Writer, wi item.WorkItem) {
	snap, err := wi.Snapshot()
	if err != nil {
		return
	}
	if ws, err := envelope.NewWorkspace(snap); err == nil {
		_ = envelope.Write(w, ws)
	}
}

func writeBug(w io.Writer, args ChildArgs, text, detail string) {
	_ = envelope.Write(w, envelope.NewMessage(envelope.StatusMessage{
		Severity:   envelope.SeverityBug,
		ActionName: args.ActionName,
		ItemID:     args.ItemID,
		Text:       text,
		Detail:     detail,
	}))
}

func openActionLog(args ChildArgs) *os.File {
	dir := args.LogDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", args.ActionName, args.ItemID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return f
}
