// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/rbaguard"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

const testBlockSize = 512

func testConfig() arrayio.Config {
	return arrayio.Config{
		Geometry: blkaddr.Geometry{
			BlockSize:         testBlockSize,
			BlksPerStripe:     8,
			StripesPerSegment: 4,
			NumUserSegments:   64,
			NumWbStripes:      4,
		},
		NumMembers: 2,
		MpageSize:  64,
		Journal: journal.Config{
			LogBufferSize: 4096,
			NumLogGroups:  2,
		},
		Volumes: []arrayio.VolumeConfig{
			{ID: 0, NumBlks: 2048},
			{ID: 1, NumBlks: 256},
		},
	}
}

// block returns the content of a block that is distinct per (rba,
// gen).
func block(rba blkaddr.RBA, gen int) []byte {
	buf := make([]byte, testBlockSize)
	for i := range buf {
		buf[i] = byte(int(rba)*7 + gen + i/64)
	}
	return buf
}

func blocks(rba blkaddr.RBA, n int, gen int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(block(rba.Add(uint64(i)), gen))
	}
	return buf.Bytes()
}

type ArraySuite struct {
	suite.Suite
	ctx   context.Context
	store *metafs.MemStore
	sched *scheduler.Scheduler
}

func TestArray(t *testing.T) {
	suite.Run(t, new(ArraySuite))
}

func (s *ArraySuite) SetupTest() {
	s.ctx = dlog.NewTestContext(s.T(), false)
	s.store = metafs.NewMemStore()
	s.sched = scheduler.New(4)
	s.sched.Start(s.ctx)
	s.Require().NoError(arrayio.Format(s.ctx, testConfig(), s.store, s.sched))
}

func (s *ArraySuite) TearDownTest() {
	s.NoError(s.sched.Stop())
}

func (s *ArraySuite) open() *arrayio.Array {
	a, err := arrayio.Open(s.ctx, s.store, s.sched)
	s.Require().NoError(err)
	return a
}

func (s *ArraySuite) remount(a *arrayio.Array) *arrayio.Array {
	s.Require().NoError(a.Unmount(s.ctx))
	return s.open()
}

func (s *ArraySuite) crash(a *arrayio.Array) *arrayio.Array {
	s.Require().NoError(a.Abandon(s.ctx))
	return s.open()
}

func (s *ArraySuite) assertContent(a *arrayio.Array, vol blkaddr.VolumeID, rba blkaddr.RBA, exp []byte) {
	act, err := a.Read(s.ctx, vol, rba, uint32(len(exp)/testBlockSize))
	s.Require().NoError(err)
	s.True(bytes.Equal(exp, act), "volume %d rba %v: content mismatch", vol, rba)
}

func (s *ArraySuite) TestSequentialWrites() {
	require := s.Require()
	a := s.open()
	const n = 1000
	for i := 0; i < n; i++ {
		rba := blkaddr.RBA(i)
		require.NoError(a.WriteSync(s.ctx, 0, rba, block(rba, 0)))
	}
	require.NoError(a.Sync(s.ctx))
	s.assertContent(a, 0, 0, blocks(0, n, 0))

	// 125 full stripes: everything has left the write buffer.
	stats := a.Stats()
	s.Equal(0, stats.Allocator.ResidentStripes)
	s.Equal(uint32(125), stats.Allocator.UserStripesUsed)

	a = s.remount(a)
	s.assertContent(a, 0, 0, blocks(0, n, 0))
	s.Equal(0, a.LastReplay().NumRecords)

	unwritten, err := a.Read(s.ctx, 0, n, 8)
	require.NoError(err)
	s.Equal(make([]byte, 8*testBlockSize), unwritten)
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestOverwrite() {
	require := s.Require()
	a := s.open()
	require.NoError(a.WriteSync(s.ctx, 0, 0, blocks(0, 20, 0)))
	require.NoError(a.WriteSync(s.ctx, 0, 5, blocks(5, 10, 1)))
	exp := append(append(blocks(0, 5, 0), blocks(5, 10, 1)...), blocks(15, 5, 0)...)
	s.assertContent(a, 0, 0, exp)
	require.NoError(a.Sync(s.ctx))

	a = s.remount(a)
	s.assertContent(a, 0, 0, exp)
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestCrashRecovery() {
	require := s.Require()
	a := s.open()
	// One full stripe, which flushes, and one partial stripe, which
	// stays in the write buffer.
	require.NoError(a.WriteSync(s.ctx, 0, 100, blocks(100, 12, 0)))
	require.NoError(a.WriteSync(s.ctx, 1, 0, blocks(0, 3, 2)))
	s.NotZero(a.Stats().Allocator.ResidentStripes)

	a = s.crash(a)
	s.NotZero(a.LastReplay().NumRecords)
	s.Equal(0, a.Stats().Allocator.ResidentStripes)
	s.assertContent(a, 0, 100, blocks(100, 12, 0))
	s.assertContent(a, 1, 0, blocks(0, 3, 2))
	require.NoError(a.Mapper().StripeMap().ForEach(func(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error {
		s.Equal(blkaddr.InUserArea, addr.Loc, "vsid %v", vsid)
		return nil
	}))

	a = s.crash(a)
	s.assertContent(a, 0, 100, blocks(100, 12, 0))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestCrashAfterCheckpoint() {
	require := s.Require()
	a := s.open()
	require.NoError(a.WriteSync(s.ctx, 0, 0, block(0, 3)))

	// Volume churn logs records that dirty no pages, until the
	// group holding the block write is checkpointed and wiped.
	for i := 0; a.Journal().Stats().Checkpoints == 0; i++ {
		require.Less(i, 1000, "log group never checkpointed")
		require.NoError(a.CreateVolume(s.ctx, 5, 8))
		require.NoError(a.DeleteVolume(s.ctx, 5))
	}
	require.NoError(a.Sync(s.ctx))
	// the stripe is still open, in the write buffer
	s.Equal(1, a.Stats().Allocator.ResidentStripes)

	a = s.crash(a)
	for _, ev := range a.LastReplay().Events {
		s.NotEqual(journal.EventBlockMapUpdate, ev.EventType())
	}
	s.assertContent(a, 0, 0, block(0, 3))
	addr, err := a.Mapper().StripeMap().GetEntry(0)
	require.NoError(err)
	s.Equal(blkaddr.InUserArea, addr.Loc)

	// the recovered stripe's VSID is not handed out again
	require.NoError(a.WriteSync(s.ctx, 0, 1, block(1, 3)))
	require.NoError(a.Unmount(s.ctx))
	a = s.open()
	s.assertContent(a, 0, 0, append(block(0, 3), block(1, 3)...))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestOverlappingWrite() {
	require := s.Require()
	a := s.open()
	done := make(chan error, 1)
	require.NoError(a.Write(s.ctx, 0, 10, blocks(10, 4, 0), func(err error) { done <- err }))
	err := a.WriteSync(s.ctx, 0, 12, blocks(12, 4, 1))
	s.ErrorIs(err, rbaguard.ErrRBAOwned)
	require.NoError(<-done)

	// Once the first write finishes, the range is free again.
	require.NoError(a.WriteSync(s.ctx, 0, 12, blocks(12, 4, 1)))
	s.assertContent(a, 0, 10, append(blocks(10, 2, 0), blocks(12, 4, 1)...))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestBadRequests() {
	a := s.open()
	defer func() { s.NoError(a.Unmount(s.ctx)) }()

	s.ErrorIs(a.WriteSync(s.ctx, 0, 0, make([]byte, testBlockSize+1)), arrayio.ErrBadRequest)
	s.ErrorIs(a.WriteSync(s.ctx, 0, 0, nil), arrayio.ErrBadRequest)
	s.ErrorIs(a.WriteSync(s.ctx, 1, 255, blocks(255, 2, 0)), arrayio.ErrBadRequest)
	s.ErrorIs(a.WriteSync(s.ctx, 7, 0, block(0, 0)), mapper.ErrNoSuchVolume)
	_, err := a.Read(s.ctx, 1, 256, 1)
	s.ErrorIs(err, arrayio.ErrBadRequest)

	s.ErrorIs(a.Mount(s.ctx), arrayio.ErrAlreadyMounted)
}

func (s *ArraySuite) TestDeleteVolume() {
	require := s.Require()
	a := s.open()
	require.NoError(a.WriteSync(s.ctx, 1, 0, blocks(0, 10, 0)))
	require.NoError(a.DeleteVolume(s.ctx, 1))
	_, err := a.Read(s.ctx, 1, 0, 1)
	s.ErrorIs(err, mapper.ErrNoSuchVolume)

	// The deletion is logged, so it survives a crash.
	a = s.crash(a)
	s.Equal([]blkaddr.VolumeID{1}, a.LastReplay().DeletedVolumes)
	_, err = a.Read(s.ctx, 1, 0, 1)
	s.ErrorIs(err, mapper.ErrNoSuchVolume)

	// The ID can be reused, and the new volume starts empty.
	require.NoError(a.CreateVolume(s.ctx, 1, 64))
	s.assertContent(a, 1, 0, make([]byte, 10*testBlockSize))
	require.NoError(a.WriteSync(s.ctx, 1, 3, block(3, 5)))

	a = s.remount(a)
	s.Equal([]blkaddr.VolumeID{0, 1}, a.Mapper().Volumes())
	s.assertContent(a, 1, 3, block(3, 5))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestGarbageCollection() {
	require := s.Require()
	a := s.open()
	// Fill segment 0, then overwrite most of it; the overwrite lands
	// in segment 1.
	require.NoError(a.WriteSync(s.ctx, 0, 0, blocks(0, 32, 0)))
	require.NoError(a.WriteSync(s.ctx, 0, 0, blocks(0, 24, 1)))
	require.NoError(a.Sync(s.ctx))
	s.Equal(int64(8), a.Allocator().ValidBlockCount(0))

	seg, moved, err := a.CollectGarbage(s.ctx)
	require.NoError(err)
	s.Equal(blkaddr.SegmentID(0), seg)
	s.Equal(8, moved)
	s.Equal(int64(0), a.Allocator().ValidBlockCount(0))
	s.False(a.Allocator().IsSegmentInUse(0))
	s.Equal(int64(32), a.Allocator().ValidBlockCount(1))

	exp := append(blocks(0, 24, 1), blocks(24, 8, 0)...)
	s.assertContent(a, 0, 0, exp)

	// The move is logged, so it survives a crash.  Freeing the
	// segment is not; replay brings it back empty, and the next
	// pass frees it without moving anything.
	a = s.crash(a)
	s.assertContent(a, 0, 0, exp)
	s.Equal(int64(0), a.Allocator().ValidBlockCount(0))
	seg, moved, err = a.CollectGarbage(s.ctx)
	require.NoError(err)
	s.Equal(blkaddr.SegmentID(0), seg)
	s.Equal(0, moved)
	s.False(a.Allocator().IsSegmentInUse(0))

	a = s.remount(a)
	s.assertContent(a, 0, 0, exp)
	s.False(a.Allocator().IsSegmentInUse(0))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestInspectLog() {
	require := s.Require()
	a := s.open()
	require.NoError(a.WriteSync(s.ctx, 0, 0, blocks(0, 10, 0)))
	require.NoError(a.Abandon(s.ctx))

	recs, plan, err := arrayio.InspectLog(s.ctx, s.store, s.sched)
	require.NoError(err)
	s.Equal(len(recs), plan.NumRecords)
	var writes int
	for _, rec := range recs {
		if _, ok := rec.Log.(*journal.BlockWriteDoneLog); ok {
			writes++
		}
	}
	// 8 blocks in the first stripe, 2 in the second
	s.Equal(2, writes)

	// Inspecting changes nothing; the mount replays the same log.
	a = s.open()
	s.Equal(plan.NumRecords, a.LastReplay().NumRecords)
	s.assertContent(a, 0, 0, blocks(0, 10, 0))
	require.NoError(a.Unmount(s.ctx))
}

func (s *ArraySuite) TestNotMounted() {
	a := s.open()
	s.Require().NoError(a.Unmount(s.ctx))
	s.ErrorIs(a.Unmount(s.ctx), arrayio.ErrNotMounted)
	s.ErrorIs(a.WriteSync(s.ctx, 0, 0, block(0, 0)), arrayio.ErrNotMounted)
	_, err := a.CollectSegment(s.ctx, 0)
	s.ErrorIs(err, arrayio.ErrNotMounted)
}

func TestFormatTwice(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	store := metafs.NewMemStore()
	sched := scheduler.New(2)
	sched.Start(ctx)
	defer func() { assert.NoError(t, sched.Stop()) }()

	require.NoError(t, arrayio.Format(ctx, testConfig(), store, sched))
	assert.ErrorIs(t, arrayio.Format(ctx, testConfig(), store, sched), metafs.ErrExist)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	require.NoError(t, arrayio.WriteConfig(&buf, testConfig()))
	cfg, err := arrayio.ReadConfig(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, testConfig(), cfg)

	_, err = arrayio.ReadConfig(strings.NewReader(`{"geometry": 1}`))
	assert.ErrorIs(t, err, arrayio.ErrBadConfig)
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Mutate func(*arrayio.Config)
		ExpErr bool
	}
	testcases := map[string]TestCase{
		"default": {
			Mutate: func(*arrayio.Config) {},
		},
		"zero-members": {
			Mutate: func(cfg *arrayio.Config) { cfg.NumMembers = 0 },
		},
		"members-do-not-divide": {
			Mutate: func(cfg *arrayio.Config) { cfg.NumMembers = 3 },
			ExpErr: true,
		},
		"bad-geometry": {
			Mutate: func(cfg *arrayio.Config) { cfg.Geometry.BlockSize = 100 },
			ExpErr: true,
		},
		"bad-mpage": {
			Mutate: func(cfg *arrayio.Config) { cfg.MpageSize = 60 },
			ExpErr: true,
		},
		"tiny-journal": {
			Mutate: func(cfg *arrayio.Config) { cfg.Journal.LogBufferSize = 64 },
			ExpErr: true,
		},
		"duplicate-volume": {
			Mutate: func(cfg *arrayio.Config) { cfg.Volumes[1].ID = 0 },
			ExpErr: true,
		},
		"empty-volume": {
			Mutate: func(cfg *arrayio.Config) { cfg.Volumes[1].NumBlks = 0 },
			ExpErr: true,
		},
		"volume-id-too-big": {
			Mutate: func(cfg *arrayio.Config) { cfg.Volumes[1].ID = blkaddr.MaxVolumes },
			ExpErr: true,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.Mutate(&cfg)
			_, err := cfg.Normalize()
			if tc.ExpErr {
				assert.ErrorIs(t, err, arrayio.ErrBadConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
