// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the tagged message passed between a Worker
// child process and its parent Job, and the wire codec used to move it
// across the process boundary.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tag identifies which variant of Envelope a frame carries.
type Tag string

// The four Envelope variants a Worker may send. At most one Result,
// Workspace and Error is sent per worker instance; Message may be sent
// any number of times.
const (
	TagMessage   Tag = "message"
	TagResult    Tag = "result"
	TagWorkspace Tag = "workspace"
	TagError     Tag = "error"
)

// Severity classifies a Message envelope the way the teacher's message
// types do (STATUS/LOG/START/SUCCESS/WARN/FAIL/BUG).
type Severity string

// Severities, ordered roughly by how surprising they are.
const (
	SeverityStatus  Severity = "STATUS"
	SeverityLog     Severity = "LOG"
	SeverityStart   Severity = "START"
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarn    Severity = "WARN"
	SeverityFail    Severity = "FAIL"
	SeverityBug     Severity = "BUG"
)

// Unconditional reports whether messages of this severity are still
// forwarded to the parent even when the Context is configured to
// silence non-unconditional chatter (spec.md §4.1, "Message routing").
func (s Severity) Unconditional() bool {
	switch s {
	case SeverityWarn, SeverityFail, SeverityBug, SeveritySuccess:
		return true
	default:
		return false
	}
}

// StatusMessage is the payload of a Message envelope: a structured
// log/status/progress record tagged with the action and item that
// produced it.
type StatusMessage struct {
	Severity   Severity  `json:"severity"`
	ActionName string    `json:"action_name"`
	ItemID     string    `json:"item_id"`
	Text       string    `json:"text"`
	Detail     string    `json:"detail,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms,omitempty"`
	LogFile    string    `json:"log_file,omitempty"`
}

// ErrorPayload is the structured failure metadata of an Error envelope:
// a domain classifier plus a human-readable reason. Domain is empty when
// the failing error was not a worker.DomainError.
type ErrorPayload struct {
	Domain string `json:"domain,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Envelope is the tagged union passed from a Worker to its parent Job.
// Exactly one of the typed fields is populated, selected by Tag.
type Envelope struct {
	Tag       Tag             `json:"tag"`
	Message   *StatusMessage  `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Workspace json.RawMessage `json:"workspace,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// NewMessage builds a Message envelope.
func NewMessage(m StatusMessage) Envelope {
	return Envelope{Tag: TagMessage, Message: &m}
}

// NewResult builds a Result envelope carrying an arbitrary serializable
// value. The caller's value is marshalled immediately so that encoding
// errors surface at the call site rather than at the wire.
func NewResult(value interface{}) (Envelope, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal result envelope: %w", err)
	}
	return Envelope{Tag: TagResult, Result: raw}, nil
}

// NewWorkspace builds a Workspace envelope carrying the updated workspace
// descriptor.
func NewWorkspace(value interface{}) (Envelope, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal workspace envelope: %w", err)
	}
	return Envelope{Tag: TagWorkspace, Workspace: raw}, nil
}

// NewError builds an Error envelope.
func NewError(domain, reason string) Envelope {
	return Envelope{Tag: TagError, Error: &ErrorPayload{Domain: domain, Reason: reason}}
}

// maxFrameSize bounds a single envelope frame so that a corrupted or
// malicious length prefix cannot force an unbounded allocation.
const maxFrameSize = 16 << 20 // 16MiB

// Write encodes one envelope as a length-prefixed JSON frame: a 4-byte
// big-endian length followed by that many bytes of JSON. One envelope
// per OS write, as spec.md §6 requires.
func Write(w io.Writer, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("envelope frame too large: %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Read decodes one length-prefixed envelope frame. io.EOF is returned
// (unwrapped) when the stream ends cleanly between frames, signalling
// that the peer closed its end as its last act before exit.
func Read(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, fmt.Errorf("truncated envelope header: %w", err)
		}
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return Envelope{}, fmt.Errorf("envelope frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read envelope body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}

// DecodeResult unmarshals a Result envelope's payload into v.
func (e Envelope) DecodeResult(v interface{}) error {
	if e.Tag != TagResult {
		return fmt.Errorf("envelope is not a result: tag=%s", e.Tag)
	}
	return json.Unmarshal(e.Result, v)
}

// DecodeWorkspace unmarshals a Workspace envelope's payload into v.
func (e Envelope) DecodeWorkspace(v interface{}) error {
	if e.Tag != TagWorkspace {
		return fmt.Errorf("envelope is not a workspace: tag=%s", e.Tag)
	}
	return json.Unmarshal(e.Workspace, v)
}
