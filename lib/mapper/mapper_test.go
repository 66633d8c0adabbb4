// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

var testGeo = blkaddr.Geometry{
	BlockSize:         512,
	BlksPerStripe:     8,
	StripesPerSegment: 4,
	NumUserSegments:   8,
	NumWbStripes:      4,
}

// 8 entries per page
const testMpageSize = 64

func newTestMapper(t *testing.T, store metafs.Store) (context.Context, *mapper.Mapper) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	sched := scheduler.New(2)
	sched.Start(ctx)
	t.Cleanup(func() { assert.NoError(t, sched.Stop()) })
	m, err := mapper.New(store, sched, testGeo, testMpageSize)
	require.NoError(t, err)
	require.NoError(t, m.InitStripeMap(ctx))
	return ctx, m
}

func TestFindSequentialRuns(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		In  []mapper.PageNum
		Out []mapper.PageRun
	}
	testcases := map[string]TestCase{
		"empty":    {In: nil, Out: nil},
		"single":   {In: []mapper.PageNum{4}, Out: []mapper.PageRun{{Start: 4, Len: 1}}},
		"run":      {In: []mapper.PageNum{1, 2, 3}, Out: []mapper.PageRun{{Start: 1, Len: 3}}},
		"unsorted": {In: []mapper.PageNum{7, 2, 3, 1, 9, 8}, Out: []mapper.PageRun{{Start: 1, Len: 3}, {Start: 7, Len: 3}}},
		"dups":     {In: []mapper.PageNum{5, 5, 6, 0}, Out: []mapper.PageRun{{Start: 0, Len: 1}, {Start: 5, Len: 2}}},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			in := append([]mapper.PageNum(nil), tc.In...)
			assert.Equal(t, tc.Out, mapper.FindSequentialRuns(in))
			assert.Equal(t, tc.In, in)
		})
	}
}

func TestVSAMapSparse(t *testing.T) {
	t.Parallel()
	ctx, m := newTestMapper(t, metafs.NewMemStore())
	require.NoError(t, m.CreateVSAMap(ctx, 0, 100))
	assert.ErrorIs(t, m.CreateVSAMap(ctx, 0, 100), mapper.ErrVolumeExists)
	vm, err := m.GetVSAMap(0)
	require.NoError(t, err)
	assert.Equal(t, mapper.PageNum(13), vm.NumPages())

	for _, rba := range []blkaddr.RBA{0, 50, 99} {
		vsa, err := vm.GetEntry(rba)
		require.NoError(t, err)
		assert.True(t, vsa.IsUnmapped())
	}
	assert.Equal(t, mapper.PageNum(0), vm.NumAllocatedPages())

	_, err = vm.GetEntry(100)
	assert.ErrorIs(t, err, mapper.ErrEntryOutOfRange)
	assert.ErrorIs(t, vm.SetEntry(100, blkaddr.VSA{}), mapper.ErrEntryOutOfRange)

	// four distinct pages, two entries on one of them
	writes := map[blkaddr.RBA]blkaddr.VSA{
		0:  {StripeID: 1, Offset: 0},
		1:  {StripeID: 1, Offset: 1},
		17: {StripeID: 2, Offset: 3},
		40: {StripeID: 0, Offset: 0},
		99: {StripeID: 7, Offset: 7},
	}
	for rba, vsa := range writes {
		require.NoError(t, vm.SetEntry(rba, vsa))
	}
	for rba, vsa := range writes {
		got, err := vm.GetEntry(rba)
		require.NoError(t, err)
		assert.Equal(t, vsa, got)
	}
	assert.Equal(t, mapper.PageNum(4), vm.NumAllocatedPages())
	assert.Equal(t, []mapper.PageNum{0, 2, 5, 12}, vm.TouchedPages())
	assert.Equal(t, []mapper.PageNum{2}, vm.GetDirtyPages(17, 1))
	assert.Equal(t, []mapper.PageNum{1, 2, 3}, vm.GetDirtyPages(15, 10))

	got, err := vm.GetEntry(2)
	require.NoError(t, err)
	assert.True(t, got.IsUnmapped(), "neighbor on an allocated page")

	_, err = m.GetVSAMap(1)
	assert.ErrorIs(t, err, mapper.ErrNoSuchVolume)
}

func TestRangeHelpers(t *testing.T) {
	t.Parallel()
	ctx, m := newTestMapper(t, metafs.NewMemStore())
	require.NoError(t, m.CreateVSAMap(ctx, 2, 64))
	vm, err := m.GetVSAMap(2)
	require.NoError(t, err)

	require.NoError(t, vm.SetEntries(6, blkaddr.VirtualBlks{Start: blkaddr.VSA{StripeID: 3, Offset: 2}, NumBlks: 4}))
	vsas, err := vm.GetEntries(5, 6)
	require.NoError(t, err)
	assert.Equal(t, []blkaddr.VSA{
		blkaddr.UnmapVSA,
		{StripeID: 3, Offset: 2},
		{StripeID: 3, Offset: 3},
		{StripeID: 3, Offset: 4},
		{StripeID: 3, Offset: 5},
		blkaddr.UnmapVSA,
	}, vsas)
	assert.ErrorIs(t, vm.SetEntries(62, blkaddr.VirtualBlks{NumBlks: 4}), mapper.ErrEntryOutOfRange)

	var seen []blkaddr.RBA
	require.NoError(t, vm.ForEach(func(rba blkaddr.RBA, _ blkaddr.VSA) error {
		seen = append(seen, rba)
		return nil
	}))
	assert.Equal(t, []blkaddr.RBA{6, 7, 8, 9}, seen)
}

func TestStripeMap(t *testing.T) {
	t.Parallel()
	_, m := newTestMapper(t, metafs.NewMemStore())
	sm := m.StripeMap()
	assert.Equal(t, uint64(32), sm.NumEntries())

	addr, err := sm.GetEntry(5)
	require.NoError(t, err)
	assert.Equal(t, blkaddr.UnmapStripeAddr, addr)
	assert.False(t, sm.IsInUserDataArea(addr))
	assert.False(t, sm.IsInWriteBufferArea(addr))
	assert.Equal(t, mapper.PageNum(0), sm.NumAllocatedPages())

	wb := blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 2}
	require.NoError(t, sm.SetEntry(5, wb))
	addr, err = sm.GetEntry(5)
	require.NoError(t, err)
	assert.True(t, sm.IsInWriteBufferArea(addr))

	user := blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 5}
	require.NoError(t, sm.SetEntry(5, user))
	addr, err = sm.GetEntry(5)
	require.NoError(t, err)
	assert.True(t, sm.IsInUserDataArea(addr))
	assert.Equal(t, mapper.PageNum(1), sm.NumAllocatedPages())

	_, err = sm.GetEntry(32)
	assert.ErrorIs(t, err, mapper.ErrEntryOutOfRange)
}

func TestFlushAndReload(t *testing.T) {
	t.Parallel()
	store := metafs.NewMemStore()
	ctx, m := newTestMapper(t, store)
	require.NoError(t, m.CreateVSAMap(ctx, 0, 200))
	require.NoError(t, m.CreateVSAMap(ctx, 3, 16))
	vm0, err := m.GetVSAMap(0)
	require.NoError(t, err)
	vm3, err := m.GetVSAMap(3)
	require.NoError(t, err)
	sm := m.StripeMap()

	// pages 0,1,2 (one run), 10, and 24
	for _, rba := range []blkaddr.RBA{0, 9, 20, 80, 199} {
		require.NoError(t, vm0.SetEntry(rba, blkaddr.VSA{StripeID: blkaddr.StripeID(rba / 8), Offset: blkaddr.BlkOffset(rba % 8)}))
	}
	require.NoError(t, vm3.SetEntry(15, blkaddr.VSA{StripeID: 9, Offset: 1}))
	require.NoError(t, sm.SetEntry(0, blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 0}))
	require.NoError(t, sm.SetEntry(31, blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 3}))

	require.NoError(t, m.FlushAll(ctx))
	assert.Empty(t, vm0.TouchedPages())
	assert.Equal(t, mapper.StateFlushingDone, vm0.State())
	require.NoError(t, m.Close())

	ctx, m2 := newTestMapper(t, store)
	require.NoError(t, m2.LoadVSAMap(ctx, 0))
	require.NoError(t, m2.LoadVSAMap(ctx, 3))
	assert.ErrorIs(t, m2.LoadVSAMap(ctx, 3), mapper.ErrVolumeExists)
	assert.Equal(t, []blkaddr.VolumeID{0, 3}, m2.Volumes())

	vm0b, err := m2.GetVSAMap(0)
	require.NoError(t, err)
	assert.Equal(t, mapper.StateLoadingDone, vm0b.State())
	assert.Equal(t, vm0.NumAllocatedPages(), vm0b.NumAllocatedPages())
	assert.Equal(t, mapper.PageNum(5), vm0b.NumAllocatedPages())
	for rba := blkaddr.RBA(0); rba < 200; rba++ {
		want, err := vm0.GetEntry(rba)
		require.NoError(t, err)
		got, err := vm0b.GetEntry(rba)
		require.NoError(t, err)
		assert.Equal(t, want, got, "rba %v", rba)
	}
	vm3b, err := m2.GetVSAMap(3)
	require.NoError(t, err)
	vsa, err := vm3b.GetEntry(15)
	require.NoError(t, err)
	assert.Equal(t, blkaddr.VSA{StripeID: 9, Offset: 1}, vsa)

	addr, err := m2.StripeMap().GetEntry(31)
	require.NoError(t, err)
	assert.Equal(t, blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 3}, addr)
	assert.Equal(t, mapper.PageNum(2), m2.StripeMap().NumAllocatedPages())

	require.NoError(t, m2.DeleteVSAMap(3))
	assert.False(t, m2.VSAMapExists(3))
	assert.True(t, m2.VSAMapExists(0))
	assert.ErrorIs(t, m2.DeleteVSAMap(3), mapper.ErrNoSuchVolume)
}

func TestPartialFlushReload(t *testing.T) {
	t.Parallel()
	store := metafs.NewMemStore()
	ctx, m := newTestMapper(t, store)
	require.NoError(t, m.CreateVSAMap(ctx, 0, 64))
	vm, err := m.GetVSAMap(0)
	require.NoError(t, err)
	require.NoError(t, vm.SetEntry(1, blkaddr.VSA{StripeID: 1, Offset: 1}))
	require.NoError(t, vm.SetEntry(33, blkaddr.VSA{StripeID: 4, Offset: 1}))

	// page 4 is allocated in memory, but only page 0 reaches disk
	require.NoError(t, vm.FlushSync(ctx, []mapper.PageNum{0}))
	assert.Equal(t, []mapper.PageNum{4}, vm.TouchedPages())
	require.NoError(t, m.Close())

	ctx, m2 := newTestMapper(t, store)
	require.NoError(t, m2.LoadVSAMap(ctx, 0))
	vm2, err := m2.GetVSAMap(0)
	require.NoError(t, err)
	assert.Equal(t, mapper.PageNum(1), vm2.NumAllocatedPages())
	for _, rba := range []blkaddr.RBA{32, 33, 34} {
		vsa, err := vm2.GetEntry(rba)
		require.NoError(t, err)
		assert.True(t, vsa.IsUnmapped(), "rba %v", rba)
	}
}

func TestFlushInProgress(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	// Not started yet: completions queue up until it is.
	sched := scheduler.New(1)
	m, err := mapper.New(metafs.NewMemStore(), sched, testGeo, testMpageSize)
	require.NoError(t, err)
	require.NoError(t, m.CreateVSAMap(ctx, 0, 64))
	vm, err := m.GetVSAMap(0)
	require.NoError(t, err)
	require.NoError(t, vm.SetEntry(3, blkaddr.VSA{StripeID: 1, Offset: 3}))

	done := make(chan error, 1)
	require.NoError(t, vm.FlushTouchedPages(func(err error) { done <- err }))
	assert.ErrorIs(t, vm.FlushTouchedPages(func(error) {}), mapper.ErrFlushInProgress)
	assert.ErrorIs(t, vm.Load(func(error) {}), mapper.ErrFlushInProgress)

	sched.Start(ctx)
	t.Cleanup(func() { assert.NoError(t, sched.Stop()) })
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("flush never completed")
	}
	assert.Equal(t, mapper.StateFlushingDone, vm.State())
	assert.NoError(t, vm.FlushSync(ctx, []mapper.PageNum{0}))
}

func TestFlushError(t *testing.T) {
	t.Parallel()
	store := metafs.NewMemStore()
	ctx, m := newTestMapper(t, store)
	require.NoError(t, m.CreateVSAMap(ctx, 1, 64))
	vm, err := m.GetVSAMap(1)
	require.NoError(t, err)
	require.NoError(t, vm.SetEntry(9, blkaddr.VSA{StripeID: 2, Offset: 1}))

	injected := errors.New("injected")
	store.InjectError(mapper.VolumeMapID(1).FileName(), metafs.DirWrite, injected)
	err = vm.FlushAllSync(ctx)
	assert.ErrorIs(t, err, injected)
	var mErr *mapper.MapIOError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, mapper.VolumeMapID(1), mErr.Map)
	assert.Equal(t, mapper.StateError, vm.State())

	// the page is still owed a flush
	assert.Equal(t, []mapper.PageNum{1}, vm.TouchedPages())
	assert.ErrorIs(t, vm.FlushAllSync(ctx), mapper.ErrMapInError)
	assert.ErrorIs(t, vm.LoadSync(ctx), mapper.ErrMapInError)

	vm.ResetError()
	require.NoError(t, vm.FlushAllSync(ctx))
	assert.Empty(t, vm.TouchedPages())
}

func TestLoadError(t *testing.T) {
	t.Parallel()
	store := metafs.NewMemStore()
	ctx, m := newTestMapper(t, store)
	require.NoError(t, m.CreateVSAMap(ctx, 0, 64))
	vm, err := m.GetVSAMap(0)
	require.NoError(t, err)
	for rba := blkaddr.RBA(0); rba < 64; rba += 16 {
		require.NoError(t, vm.SetEntry(rba, blkaddr.VSA{StripeID: 1}))
	}
	require.NoError(t, m.FlushAll(ctx))
	require.NoError(t, m.Close())

	// header read succeeds; the first page read fails
	name := mapper.VolumeMapID(0).FileName()
	ctx, m2 := newTestMapper(t, store)
	store.InjectError(name, metafs.DirRead, nil)
	store.InjectError(name, metafs.DirRead, errors.New("injected"))
	err = m2.LoadVSAMap(ctx, 0)
	var mErr *mapper.MapIOError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "load mpages", mErr.Op)
	_, err = m2.GetVSAMap(0)
	assert.ErrorIs(t, err, mapper.ErrNoSuchVolume)
}

func TestDump(t *testing.T) {
	t.Parallel()
	ctx, m := newTestMapper(t, metafs.NewMemStore())
	require.NoError(t, m.CreateVSAMap(ctx, 0, 16))
	vm, err := m.GetVSAMap(0)
	require.NoError(t, err)
	require.NoError(t, vm.SetEntry(4, blkaddr.VSA{StripeID: 2, Offset: 5}))
	require.NoError(t, m.StripeMap().SetEntry(2, blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 2}))

	var out strings.Builder
	require.NoError(t, m.Dump(&out, 0))
	assert.JSONEq(t, `[{"rba":4,"vsa":{"stripe":2,"offset":5}}]`, out.String())

	out.Reset()
	require.NoError(t, m.Dump(&out, mapper.StripeMapID))
	assert.JSONEq(t, `[{"vsid":2,"addr":{"loc":"USER","id":2}}]`, out.String())
}
