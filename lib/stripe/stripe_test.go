// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package stripe_test

import (
	"sync"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

var testGeo = blkaddr.Geometry{
	BlockSize:         512,
	BlksPerStripe:     16,
	StripesPerSegment: 4,
	NumUserSegments:   4,
	NumWbStripes:      8,
}

func TestAssign(t *testing.T) {
	t.Parallel()
	s := stripe.New(testGeo, nil)
	assert.False(t, s.IsAssigned())
	require.NoError(t, s.Assign(3, 5, 1))
	assert.Equal(t, uint32(16), s.GetBlksRemaining())

	_, err := s.DecreaseBlksRemaining(4)
	require.NoError(t, err)

	err = s.Assign(7, 7, 2)
	assert.ErrorIs(t, err, stripe.ErrAlreadyAssigned)
	var sErr *stripe.StripeError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, blkaddr.StripeID(3), sErr.VSID)
	// unchanged
	assert.Equal(t, blkaddr.StripeID(3), s.VSID())
	assert.Equal(t, blkaddr.StripeID(5), s.WbLsid())
	assert.Equal(t, blkaddr.VolumeID(1), s.VolumeID())
	assert.Equal(t, uint32(12), s.GetBlksRemaining())
	assert.Equal(t, blkaddr.UnmapStripe, s.UserLsid())
}

func TestDecreaseBlksRemaining(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Decrements []uint32
		Remaining  []uint32
		Errs       []bool
	}
	testcases := map[string]TestCase{
		"exact":     {Decrements: []uint32{16}, Remaining: []uint32{0}, Errs: []bool{false}},
		"steps":     {Decrements: []uint32{1, 5, 10}, Remaining: []uint32{15, 10, 0}, Errs: []bool{false, false, false}},
		"too-many":  {Decrements: []uint32{17}, Remaining: []uint32{16}, Errs: []bool{true}},
		"past-zero": {Decrements: []uint32{16, 1}, Remaining: []uint32{0, 0}, Errs: []bool{false, true}},
		"over-rest": {Decrements: []uint32{10, 7, 6}, Remaining: []uint32{6, 6, 0}, Errs: []bool{false, true, false}},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			s := stripe.New(testGeo, nil)
			require.NoError(t, s.Assign(0, 0, 0))
			for i, n := range tc.Decrements {
				remaining, err := s.DecreaseBlksRemaining(n)
				if tc.Errs[i] {
					assert.ErrorIs(t, err, stripe.ErrRemainingUnderflow)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.Remaining[i], remaining)
				assert.Equal(t, tc.Remaining[i], s.GetBlksRemaining())
			}
		})
	}
}

func TestConcurrentDecrease(t *testing.T) {
	t.Parallel()
	geo := testGeo
	geo.BlksPerStripe = 1000
	s := stripe.New(geo, nil)
	require.NoError(t, s.Assign(0, 0, 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	zeros, failures := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				remaining, err := s.DecreaseBlksRemaining(1)
				mu.Lock()
				switch {
				case err != nil:
					failures++
				case remaining == 0:
					zeros++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(0), s.GetBlksRemaining())
	assert.Equal(t, 1, zeros)
	assert.Equal(t, 600, failures)
}

func TestRefCount(t *testing.T) {
	t.Parallel()
	s := stripe.New(testGeo, nil)
	assert.True(t, s.IsOkToFree())
	s.Refer()
	s.Refer()
	s.Refer()
	assert.False(t, s.IsOkToFree())

	left, err := s.Derefer(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
	assert.False(t, s.IsOkToFree())

	left, err = s.Derefer(2)
	assert.ErrorIs(t, err, stripe.ErrRefcountUnderflow)
	assert.Equal(t, int64(1), left)
	assert.Equal(t, int64(1), s.RefCount())

	_, err = s.Derefer(1)
	require.NoError(t, err)
	assert.True(t, s.IsOkToFree())
}

func TestOwnership(t *testing.T) {
	t.Parallel()
	s := stripe.New(testGeo, nil)
	assert.Equal(t, stripe.OwnerOpenPool, s.Owner())
	assert.ErrorIs(t, s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerFlushing), stripe.ErrIllegalTransition)
	assert.ErrorIs(t, s.MoveTo(stripe.OwnerWriters, stripe.OwnerFlushPending), stripe.ErrIllegalTransition)
	assert.Equal(t, stripe.OwnerOpenPool, s.Owner())

	s.Refer()
	require.NoError(t, s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerWriters))
	assert.False(t, s.TakeForFlush(), "not finished")
	s.SetFinished()
	assert.False(t, s.TakeForFlush(), "still referenced")
	_, err := s.Derefer(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TakeForFlush() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, stripe.OwnerFlushPending, s.Owner())

	require.NoError(t, s.MoveTo(stripe.OwnerFlushPending, stripe.OwnerFlushing))
	require.NoError(t, s.MoveTo(stripe.OwnerFlushing, stripe.OwnerFlushPending))
	require.NoError(t, s.MoveTo(stripe.OwnerFlushPending, stripe.OwnerFlushing))
	require.NoError(t, s.MoveTo(stripe.OwnerFlushing, stripe.OwnerFreed))
	assert.ErrorIs(t, s.MoveTo(stripe.OwnerFreed, stripe.OwnerOpenPool), stripe.ErrIllegalTransition)
}

func TestDataBuffers(t *testing.T) {
	t.Parallel()
	var pool containers.SlicePool[byte]
	s := stripe.New(testGeo, &pool)
	_, err := s.DataBuffer(0)
	assert.ErrorIs(t, err, stripe.ErrNoDataBuffer)

	s.AllocateDataBuffers()
	s.AllocateDataBuffers()
	require.Len(t, s.DataBuffers(), 1)
	blk, err := s.DataBuffer(15)
	require.NoError(t, err)
	assert.Len(t, blk, 512)
	copy(blk, "tail")
	assert.Equal(t, "tail", string(s.DataBuffers()[0][15*512:15*512+4]))

	_, err = s.DataBuffer(16)
	assert.ErrorIs(t, err, stripe.ErrNoDataBuffer)
	s.AddDataBuffer(make([]byte, 1024))
	_, err = s.DataBuffer(17)
	assert.NoError(t, err)

	s.ReleaseDataBuffers()
	assert.Empty(t, s.DataBuffers())
	assert.Panics(t, func() { s.AddDataBuffer(make([]byte, 100)) })
}

func TestReverseMap(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sched := scheduler.New(1)
	sched.Start(ctx)
	t.Cleanup(func() { assert.NoError(t, sched.Stop()) })

	store := stripe.NewRevMapStore(
		metafs.NewMetaFile(metafs.NewMemStore(), stripe.RevMapFileName, sched),
		testGeo)
	require.NoError(t, store.Init())

	s := stripe.New(testGeo, nil)
	require.NoError(t, s.Assign(9, 2, 1))
	assert.ErrorIs(t, s.UpdateReverseMapEntry(0, 100, 1), stripe.ErrStripeWithoutReverseMap)
	assert.ErrorIs(t, s.Flush(func(error) {}), stripe.ErrStripeWithoutReverseMap)

	require.NoError(t, s.LinkReverseMap(store.New(9)))
	assert.ErrorIs(t, s.LinkReverseMap(store.New(9)), stripe.ErrReverseMapAlreadyLinked)

	require.NoError(t, s.UpdateReverseMapEntry(0, 100, 1))
	require.NoError(t, s.UpdateReverseMapEntry(15, 115, 1))
	assert.Error(t, s.UpdateReverseMapEntry(16, 116, 1))
	ent, err := s.GetReverseMapEntry(15)
	require.NoError(t, err)
	assert.Equal(t, stripe.RevMapEntry{Vol: 1, RBA: 115}, ent)

	require.NoError(t, scheduler.Wait(ctx, func(done func(error)) {
		require.NoError(t, s.Flush(done))
	}))

	rm := s.UnlinkReverseMap()
	require.NotNil(t, rm)
	assert.Nil(t, s.ReverseMap())

	loaded, err := store.Load(9)
	require.NoError(t, err)
	assert.Equal(t, rm.Entries(), loaded.Entries())
	assert.False(t, loaded.Get(1).IsSet())

	empty, err := store.Load(4)
	require.NoError(t, err)
	for _, ent := range empty.Entries() {
		assert.False(t, ent.IsSet())
	}
	_, err = store.Load(blkaddr.StripeID(testGeo.NumUserStripes()))
	assert.ErrorIs(t, err, stripe.ErrRevMapOffset)
}
