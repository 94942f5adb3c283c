// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gardener/buildsched/pkg/scheduler"
)

func TestTokenPoolRespectsCapacity(t *testing.T) {
	pool := scheduler.NewTokenPool(map[string]int{"network": 2})

	assert.True(t, pool.TryReserve("network"))
	assert.True(t, pool.TryReserve("network"))
	assert.False(t, pool.TryReserve("network"))

	pool.Release("network")
	assert.True(t, pool.TryReserve("network"))
	assert.Equal(t, 2, pool.InUse()["network"])
}

func TestTokenPoolUnlimitedForUnconfiguredClass(t *testing.T) {
	pool := scheduler.NewTokenPool(map[string]int{"network": 1})
	for i := 0; i < 100; i++ {
		assert.True(t, pool.TryReserve("cpu"))
	}
}

func TestTokenPoolReleaseNeverGoesNegative(t *testing.T) {
	pool := scheduler.NewTokenPool(map[string]int{"network": 1})
	pool.Release("network")
	assert.True(t, pool.TryReserve("network"))
	assert.False(t, pool.TryReserve("network"))
}
