// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package item defines the WorkItem protocol: the narrow, opaque handle
// the scheduler core drives through a pipeline without ever knowing what
// domain object sits behind it (spec.md §3, §6.1). The element/source
// domain model itself is an external collaborator; this package only
// fixes the shape a collaborator must present.
package item

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gardener/buildsched/pkg/runctx"
)

// Consistency mirrors the three-state predicate queues consult for
// readiness (spec.md §3, GLOSSARY).
type Consistency int

const (
	Inconsistent Consistency = iota
	Resolved
	Cached
)

func (c Consistency) String() string {
	switch c {
	case Resolved:
		return "RESOLVED"
	case Cached:
		return "CACHED"
	default:
		return "INCONSISTENT"
	}
}

// WorkItem is the protocol a Queue's Behavior and a Job's Worker interact
// with. A WorkItem's identity is stable for the run; its mutable state is
// only ever touched in the parent process (spec.md §3 Invariants) — a
// Worker only ever sees a Decode()d snapshot, never the parent's live
// value.
type WorkItem interface {
	// ID is the stable identifier used to tag cross-process messages.
	ID() string

	// Kind names the Decoder a re-exec'd Worker must use to reconstruct
	// this item from a Snapshot. Analogous to a type tag in a wire
	// format; there is no reflection-based fallback.
	Kind() string

	// Consistency reports readiness for the pipeline stages that gate on
	// it (e.g. a fetch queue waits for Resolved).
	Consistency() Consistency

	// Perform runs the named action and returns a JSON-serializable
	// result. It is the only WorkItem method ever invoked inside a
	// Worker process; rc is the Worker's message bus, for chatter the
	// action wants to surface while it runs.
	Perform(ctx context.Context, action string, rc *runctx.Context) (interface{}, error)

	// ApplyResult and ApplyWorkspace run back in the parent process,
	// mutating the live item from a completed Job's envelopes.
	ApplyResult(action string, result json.RawMessage) error
	ApplyWorkspace(workspace json.RawMessage) error

	// Snapshot serializes enough state for a Decoder to reconstruct an
	// equivalent WorkItem in a freshly spawned Worker process.
	Snapshot() (json.RawMessage, error)
}

// Decoder reconstructs a WorkItem of a registered Kind from a Snapshot.
type Decoder func(state json.RawMessage) (WorkItem, error)

var (
	mu       sync.RWMutex
	decoders = map[string]Decoder{}
)

// RegisterKind associates a Kind with the Decoder that can reconstruct it
// inside a Worker process. Demo WorkItem implementations call this from
// an init() func, the same registration-by-side-effect idiom the teacher
// uses for its node plugin kinds.
func RegisterKind(kind string, dec Decoder) {
	mu.Lock()
	defer mu.Unlock()
	decoders[kind] = dec
}

// Decode reconstructs a WorkItem from its Kind and Snapshot.
func Decode(kind string, state json.RawMessage) (WorkItem, error) {
	mu.RLock()
	dec, ok := decoders[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("item: no decoder registered for kind %q", kind)
	}
	return dec(state)
}
