// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbaguard_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/rbaguard"
)

func TestBulkAcquire(t *testing.T) {
	t.Parallel()
	g := rbaguard.New()
	require.NoError(t, g.CreateVolume(0, 64))
	assert.ErrorIs(t, g.CreateVolume(0, 64), rbaguard.ErrVolumeExists)

	require.NoError(t, g.BulkAcquire(0, 10, 4))
	assert.True(t, g.IsOwned(0, 13, 1))

	// overlaps at 13; 8..12 must be rolled back
	assert.ErrorIs(t, g.BulkAcquire(0, 8, 8), rbaguard.ErrRBAOwned)
	assert.False(t, g.IsOwned(0, 8, 2))
	assert.True(t, g.IsOwned(0, 10, 4))
	assert.False(t, g.IsOwned(0, 14, 2))

	require.NoError(t, g.Release(0, 10, 4))
	require.NoError(t, g.BulkAcquire(0, 8, 8))

	assert.ErrorIs(t, g.BulkAcquire(0, 60, 5), rbaguard.ErrOutOfRange)
	assert.ErrorIs(t, g.BulkAcquire(1, 0, 1), rbaguard.ErrNoSuchVolume)
	require.NoError(t, g.DeleteVolume(0))
	assert.ErrorIs(t, g.DeleteVolume(0), rbaguard.ErrNoSuchVolume)
}

func TestConcurrentOwnership(t *testing.T) {
	t.Parallel()
	for round := 0; round < 100; round++ {
		g := rbaguard.New()
		require.NoError(t, g.CreateVolume(3, 32))

		var wg sync.WaitGroup
		results := make([]error, 2)
		ranges := [2][2]uint32{{0, 16}, {8, 16}}
		for i := range ranges {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = g.BulkAcquire(3, blkaddr.RBA(ranges[i][0]), ranges[i][1])
			}()
		}
		wg.Wait()

		winners := 0
		for i, err := range results {
			if err == nil {
				winners++
				assert.True(t, g.IsOwned(3, blkaddr.RBA(ranges[i][0]), ranges[i][1]))
			} else {
				assert.ErrorIs(t, err, rbaguard.ErrRBAOwned)
			}
		}
		require.Equal(t, 1, winners, "round %d", round)
		// the loser left nothing behind outside the winner's range
		if results[0] == nil {
			assert.False(t, g.IsOwned(3, 16, 16))
		} else {
			assert.False(t, g.IsOwned(3, 0, 8))
		}
	}
}
