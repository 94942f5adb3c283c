// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package runctx provides the Context message bus (spec.md §6.1, inward
// interface 2): emit(message), silent_messages(), set_message_handler(fn).
// It is shared by both sides of the process boundary — a Worker emits
// through it locally before forwarding to the parent, and the parent's
// scheduler emits through its own Context instance to route Job-level
// status out to whatever the host process wired up (klog by default).
package runctx

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/gardener/buildsched/pkg/envelope"
)

// Handler receives every message Emit is given, already filtered by
// SilentMessages.
type Handler func(envelope.StatusMessage)

// Context is the message bus plus the "last task error" diagnostic slot
// design note §9 asks to be an injectable field rather than process-wide
// global state.
type Context struct {
	mu      sync.RWMutex
	silent  bool
	handler Handler
	lastErr *envelope.ErrorPayload
}

// New returns a Context whose default Handler renders through klog.
func New() *Context {
	return &Context{}
}

// SilentMessages reports whether non-unconditional messages are
// currently suppressed.
func (c *Context) SilentMessages() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.silent
}

// SetSilentMessages toggles suppression of non-unconditional chatter
// (STATUS/LOG/START); WARN/FAIL/BUG/SUCCESS always pass through.
func (c *Context) SetSilentMessages(silent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent = silent
}

// SetMessageHandler installs fn as the sink for every future Emit call,
// replacing the klog default. A Worker installs one that also forwards
// the message as an Envelope to the parent.
func (c *Context) SetMessageHandler(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Emit routes m to the installed Handler (or the klog default), honoring
// SilentMessages for non-unconditional severities.
func (c *Context) Emit(m envelope.StatusMessage) {
	if c.SilentMessages() && !m.Severity.Unconditional() {
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()

	if h != nil {
		h(m)
		return
	}
	logViaKlog(m)
}

// LastTaskError returns the most recently recorded domain failure, if
// any, and whether one is set.
func (c *Context) LastTaskError() (domain, reason string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastErr == nil {
		return "", "", false
	}
	return c.lastErr.Domain, c.lastErr.Reason, true
}

// SetLastTaskError records a Job's most recent domain failure, per
// spec.md §7's "small process-wide diagnostic slot" (here, instance-wide
// rather than process-wide, so test harnesses can construct an isolated
// Context per case).
func (c *Context) SetLastTaskError(domain, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = &envelope.ErrorPayload{Domain: domain, Reason: reason}
}

// ClearLastTaskError drops the diagnostic slot, e.g. at the start of a
// fresh run.
func (c *Context) ClearLastTaskError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = nil
}

func logViaKlog(m envelope.StatusMessage) {
	prefix := m.ActionName
	if m.ItemID != "" {
		prefix = prefix + "/" + m.ItemID
	}
	switch m.Severity {
	case envelope.SeverityBug:
		klog.Errorf("[%s] BUG: %s\n%s", prefix, m.Text, m.Detail)
	case envelope.SeverityFail:
		klog.Errorf("[%s] FAIL: %s", prefix, m.Text)
	case envelope.SeverityWarn:
		klog.Warningf("[%s] WARN: %s", prefix, m.Text)
	case envelope.SeveritySuccess:
		klog.V(2).Infof("[%s] SUCCESS: %s (%dms)", prefix, m.Text, m.ElapsedMS)
	case envelope.SeverityStart:
		klog.V(4).Infof("[%s] START", prefix)
	default:
		klog.V(6).Infof("[%s] %s", prefix, m.Text)
	}
}
