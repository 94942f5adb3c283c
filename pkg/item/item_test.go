// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package item_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/runctx"
)

type stub struct {
	Name string `json:"id"`
}

func (s *stub) ID() string                 { return s.Name }
func (s *stub) Kind() string                { return "stub" }
func (s *stub) Consistency() item.Consistency { return item.Resolved }
func (s *stub) Perform(context.Context, string, *runctx.Context) (interface{}, error) {
	return nil, nil
}
func (s *stub) ApplyResult(string, json.RawMessage) error    { return nil }
func (s *stub) ApplyWorkspace(json.RawMessage) error          { return nil }
func (s *stub) Snapshot() (json.RawMessage, error)            { return json.Marshal(s) }

func init() {
	item.RegisterKind("stub", func(raw json.RawMessage) (item.WorkItem, error) {
		var s stub
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

func TestDecodeRoundTrip(t *testing.T) {
	original := &stub{Name: "x"}
	snap, err := original.Snapshot()
	require.NoError(t, err)

	decoded, err := item.Decode("stub", snap)
	require.NoError(t, err)
	assert.Equal(t, "x", decoded.ID())
	assert.Equal(t, "stub", decoded.Kind())
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := item.Decode("does-not-exist", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestConsistencyString(t *testing.T) {
	assert.Equal(t, "INCONSISTENT", item.Inconsistent.String())
	assert.Equal(t, "RESOLVED", item.Resolved.String())
	assert.Equal(t, "CACHED", item.Cached.String())
}
