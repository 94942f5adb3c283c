// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package envelope_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/envelope"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	msg := envelope.NewMessage(envelope.StatusMessage{
		Severity:   envelope.SeverityLog,
		ActionName: "Fetch",
		ItemID:     "repo",
		Text:       "cloned",
	})
	require.NoError(t, envelope.Write(&buf, msg))

	result, err := envelope.NewResult(map[string]string{"work_dir": "/tmp/repo"})
	require.NoError(t, err)
	require.NoError(t, envelope.Write(&buf, result))

	got, err := envelope.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, envelope.TagMessage, got.Tag)
	require.NotNil(t, got.Message)
	assert.Equal(t, "cloned", got.Message.Text)

	got, err = envelope.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, envelope.TagResult, got.Tag)
	var decoded map[string]string
	require.NoError(t, got.DecodeResult(&decoded))
	assert.Equal(t, "/tmp/repo", decoded["work_dir"])
}

func TestReadReturnsEOFAtCleanStreamEnd(t *testing.T) {
	_, err := envelope.Read(&bytes.Buffer{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeResultRejectsWrongTag(t *testing.T) {
	e := envelope.NewError("git", "clone failed")
	var v map[string]string
	assert.Error(t, e.DecodeResult(&v))
}

func TestDecodeWorkspaceRejectsWrongTag(t *testing.T) {
	e := envelope.NewMessage(envelope.StatusMessage{Severity: envelope.SeverityLog})
	var v map[string]string
	assert.Error(t, e.DecodeWorkspace(&v))
}

func TestSeverityUnconditional(t *testing.T) {
	assert.True(t, envelope.SeverityWarn.Unconditional())
	assert.True(t, envelope.SeverityFail.Unconditional())
	assert.True(t, envelope.SeverityBug.Unconditional())
	assert.True(t, envelope.SeveritySuccess.Unconditional())
	assert.False(t, envelope.SeverityLog.Unconditional())
	assert.False(t, envelope.SeverityStatus.Unconditional())
}

func TestWriteRejectsOversizedFrame(t *testing.T) {
	result, err := envelope.NewResult(map[string]string{"blob": string(make([]byte, 17<<20))})
	require.NoError(t, err)

	var buf bytes.Buffer
	assert.Error(t, envelope.Write(&buf, result))
}
