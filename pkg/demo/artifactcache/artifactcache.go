// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package artifactcache backs the has_fetch_remotes/has_push_remotes
// capability checks (spec.md §6.1 item 3) with a real local cache: a
// diskv-backed httpcache.Transport, the same pairing
// cmd/app/initilization.go used for its GitHub client's HTTP layer, now
// repurposed as the pipeline's artifact store rather than a read-through
// cache for API calls.
package artifactcache

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"

	"github.com/gardener/buildsched/pkg/util/httpclient"
	"github.com/gardener/buildsched/pkg/util/units"
)

// Cache is a local, disk-backed artifact store plus the capability
// flags a Stream-equivalent façade would read to decide which Queues
// to install into its pipeline.
type Cache struct {
	store      *diskv.Diskv
	client     httpclient.Client
	pushRemote string
}

// New builds a Cache rooted at dir. pushRemote, if non-empty, names the
// "owner/repo" a Push stage uploads to; an empty value disables that
// capability.
func New(dir string, pushRemote string) *Cache {
	store := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: uint64(64 * units.MB),
	})
	transport := &httpcache.Transport{
		Transport:           http.DefaultTransport,
		Cache:               diskcache.NewWithDiskv(store),
		MarkCachedResponses: true,
	}
	return &Cache{
		store:      store,
		client:     transport.Client(),
		pushRemote: pushRemote,
	}
}

// HasFetchRemotes reports whether this cache can serve as a fetch
// source. A local disk cache always can.
func (c *Cache) HasFetchRemotes() bool { return true }

// HasPushRemotes reports whether a push destination is configured.
func (c *Cache) HasPushRemotes() bool { return c.pushRemote != "" }

// PushRemote returns the configured "owner/repo" push destination, or
// the empty string if none is set.
func (c *Cache) PushRemote() string { return c.pushRemote }

// Client returns an httpclient.Client whose responses are transparently
// cached to disk, for any component that needs to fetch over HTTP
// through this cache (e.g. a source plugin resolving a tarball URL).
// Returning the narrow interface rather than *http.Client keeps callers
// decoupled from the concrete transport, the same seam
// pkg/util/httpclient was cut along for its counterfeiter-generated
// fake.
func (c *Cache) Client() httpclient.Client { return c.client }

// Has reports whether key is already present in the cache.
func (c *Cache) Has(key string) bool { return c.store.Has(key) }

// Put stores data under key.
func (c *Cache) Put(key string, data []byte) error { return c.store.Write(key, data) }

// Get retrieves the bytes stored under key.
func (c *Cache) Get(key string) ([]byte, error) { return c.store.Read(key) }
