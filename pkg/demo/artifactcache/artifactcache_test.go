// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package artifactcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardener/buildsched/pkg/demo/artifactcache"
	"github.com/gardener/buildsched/pkg/util/httpclient"
)

func TestCapabilityFlags(t *testing.T) {
	dir := t.TempDir()

	withoutPush := artifactcache.New(dir, "")
	assert.True(t, withoutPush.HasFetchRemotes())
	assert.False(t, withoutPush.HasPushRemotes())
	assert.Empty(t, withoutPush.PushRemote())

	withPush := artifactcache.New(dir, "acme/widgets")
	assert.True(t, withPush.HasPushRemotes())
	assert.Equal(t, "acme/widgets", withPush.PushRemote())
}

func TestPutGetRoundTrip(t *testing.T) {
	cache := artifactcache.New(t.TempDir(), "")
	assert.False(t, cache.Has("widgets-v1.tar.gz"))

	require.NoError(t, cache.Put("widgets-v1.tar.gz", []byte("payload")))
	assert.True(t, cache.Has("widgets-v1.tar.gz"))

	got, err := cache.Get("widgets-v1.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestClientSatisfiesHTTPClientInterface(t *testing.T) {
	cache := artifactcache.New(t.TempDir(), "")
	var _ httpclient.Client = cache.Client()
}
