// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/envelope"
	"github.com/gardener/buildsched/pkg/transport"
)

func TestPipeDeliversWrittenEnvelopes(t *testing.T) {
	pipe, err := transport.NewPipe()
	require.NoError(t, err)

	reader := pipe.Parent()

	msg := envelope.NewMessage(envelope.StatusMessage{Severity: envelope.SeverityLog, Text: "hi"})
	require.NoError(t, envelope.Write(pipe.Child, msg))
	require.NoError(t, pipe.CloseChild())

	got, ok := <-reader.Envelopes()
	require.True(t, ok)
	assert.Equal(t, envelope.TagMessage, got.Tag)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Text)

	_, ok = <-reader.Envelopes()
	assert.False(t, ok, "channel closes once the writer end closes cleanly")
	assert.NoError(t, reader.Err())
}

func TestPipeParentReturnsSameReaderAcrossCalls(t *testing.T) {
	pipe, err := transport.NewPipe()
	require.NoError(t, err)
	defer pipe.Child.Close()

	a := pipe.Parent()
	b := pipe.Parent()
	assert.Same(t, a, b)
}
