// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package runctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gardener/buildsched/pkg/envelope"
	"github.com/gardener/buildsched/pkg/runctx"
)

func TestEmitRoutesToInstalledHandler(t *testing.T) {
	rc := runctx.New()
	var got []envelope.StatusMessage
	rc.SetMessageHandler(func(m envelope.StatusMessage) { got = append(got, m) })

	rc.Emit(envelope.StatusMessage{Severity: envelope.SeverityLog, Text: "hello"})
	assert.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}

func TestEmitSuppressesNonUnconditionalWhenSilent(t *testing.T) {
	rc := runctx.New()
	var got []envelope.StatusMessage
	rc.SetMessageHandler(func(m envelope.StatusMessage) { got = append(got, m) })
	rc.SetSilentMessages(true)

	rc.Emit(envelope.StatusMessage{Severity: envelope.SeverityLog, Text: "suppressed"})
	assert.Empty(t, got)

	rc.Emit(envelope.StatusMessage{Severity: envelope.SeverityWarn, Text: "still seen"})
	assert.Len(t, got, 1)
	assert.Equal(t, "still seen", got[0].Text)
}

func TestLastTaskErrorRoundTrip(t *testing.T) {
	rc := runctx.New()
	_, _, ok := rc.LastTaskError()
	assert.False(t, ok)

	rc.SetLastTaskError("git", "clone failed")
	domain, reason, ok := rc.LastTaskError()
	assert.True(t, ok)
	assert.Equal(t, "git", domain)
	assert.Equal(t, "clone failed", reason)

	rc.ClearLastTaskError()
	_, _, ok = rc.LastTaskError()
	assert.False(t, ok)
}

func TestContextsAreIndependent(t *testing.T) {
	a := runctx.New()
	b := runctx.New()

	a.SetSilentMessages(true)
	assert.True(t, a.SilentMessages())
	assert.False(t, b.SilentMessages())
}
