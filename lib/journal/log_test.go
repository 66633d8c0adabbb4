// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/marshal"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

func groupWithRecords(t *testing.T, size int, index int, recs ...Record) []byte {
	t.Helper()
	buf := make([]byte, size)
	enc := marshal.NewEnc(groupHeaderSize)
	enc.PutInt(uint64(groupMark)<<32 | uint64(index))
	enc.PutInt(7)
	copy(buf, enc.Finish())
	off := groupHeaderSize
	for _, rec := range recs {
		dat := encodeRecord(rec.Seq, rec.Log)
		require.LessOrEqual(t, off+len(dat), size)
		off += copy(buf[off:], dat)
	}
	return buf
}

func TestParseGroup(t *testing.T) {
	t.Parallel()
	recs := []Record{
		{Seq: 1, Log: &BlockWriteDoneLog{Vol: 2, StartRBA: 100, NumBlks: 3, StartVSA: blkaddr.VSA{StripeID: 4, Offset: 5}, WbLsid: 1}},
		{Seq: 2, Log: &StripeMapUpdatedLog{
			VSID:    4,
			OldAddr: blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 1},
			NewAddr: blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 4},
		}},
		{Seq: 3, Log: &GcStripeFlushedLog{VSID: 9, Vol: 2, Blocks: []GcBlockMapUpdate{
			{RBA: 100, VSA: blkaddr.VSA{StripeID: 9, Offset: 0}},
			{RBA: 102, VSA: blkaddr.VSA{StripeID: 9, Offset: 1}},
		}}},
		{Seq: 4, Log: &VolumeDeletedLog{Vol: 2, ContextVersion: 11}},
	}
	buf := groupWithRecords(t, 512, 1, recs...)
	seq, got, err := ParseGroup(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
	assert.Equal(t, recs, got, spew.Sdump(got))

	_, _, err = ParseGroup(buf, 0)
	assert.ErrorIs(t, err, ErrBadGroupHeader)
}

func TestParseGroupStopsAtUnmarkedWord(t *testing.T) {
	t.Parallel()
	buf := groupWithRecords(t, 256, 0,
		Record{Seq: 1, Log: &VolumeDeletedLog{Vol: 1}})
	// A record after a hole is not part of the log.
	dat := encodeRecord(2, &VolumeDeletedLog{Vol: 2})
	copy(buf[groupHeaderSize+4*8+8:], dat)

	_, got, err := ParseGroup(buf, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestParseGroupUnknownType(t *testing.T) {
	t.Parallel()
	buf := groupWithRecords(t, 256, 0,
		Record{Seq: 1, Log: &VolumeDeletedLog{Vol: 1}})
	enc := marshal.NewEnc(16)
	enc.PutInt(uint64(ValidMark)<<32 | 99)
	enc.PutInt(2)
	copy(buf[groupHeaderSize+4*8:], enc.Finish())

	_, got, err := ParseGroup(buf, 0)
	var invalid *InvalidLogError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int64(groupHeaderSize+4*8), invalid.Offset)
	assert.Equal(t, LogType(99), invalid.Type)
	assert.Len(t, got, 1)
}

func TestParseGroupTruncated(t *testing.T) {
	t.Parallel()
	dat := encodeRecord(1, &BlockWriteDoneLog{Vol: 1, NumBlks: 1})
	buf := groupWithRecords(t, groupHeaderSize+len(dat), 0)
	copy(buf[groupHeaderSize:], dat[:len(dat)-8])
	buf = buf[:len(buf)-8]

	_, _, err := ParseGroup(buf, 0)
	assert.ErrorIs(t, err, ErrTruncatedLog)
}

func TestBuildPlan(t *testing.T) {
	t.Parallel()
	geo := blkaddr.Geometry{
		BlockSize:         512,
		BlksPerStripe:     8,
		StripesPerSegment: 4,
		NumUserSegments:   8,
		NumWbStripes:      4,
	}
	recs := []Record{
		{Seq: 1, Log: &BlockWriteDoneLog{Vol: 0, StartRBA: 0, NumBlks: 4, StartVSA: blkaddr.VSA{StripeID: 4}, WbLsid: 2}},
		{Seq: 2, Log: &BlockWriteDoneLog{Vol: 1, StartRBA: 8, NumBlks: 4, StartVSA: blkaddr.VSA{StripeID: 4, Offset: 4}, WbLsid: 2}},
		{Seq: 3, Log: &StripeMapUpdatedLog{
			VSID:    4,
			OldAddr: blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 2},
			NewAddr: blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 4},
		}},
		{Seq: 4, Log: &BlockWriteDoneLog{Vol: 0, StartRBA: 0, NumBlks: 1, StartVSA: blkaddr.VSA{StripeID: 5}, WbLsid: 3}},
		{Seq: 5, Log: &VolumeDeletedLog{Vol: 1}},
	}
	plan := BuildPlan(geo, recs)
	assert.Equal(t, 5, plan.NumRecords)
	assert.Equal(t, uint64(5), plan.LastSeq)
	assert.Equal(t, []blkaddr.VolumeID{1}, plan.DeletedVolumes)

	var types []ReplayEventType
	for _, ev := range plan.Events {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []ReplayEventType{
		EventSegmentAllocation,
		EventStripeAllocation,
		EventBlockMapUpdate,
		EventStripeMapUpdate,
		EventStripeFlush,
		EventStripeAllocation,
		EventBlockMapUpdate,
	}, types, spew.Sdump(plan.Events))

	require.Len(t, plan.Stripes, 2)
	assert.Equal(t, blkaddr.StripeID(4), plan.Stripes[0].VSID)
	assert.Equal(t, blkaddr.StripeID(2), plan.Stripes[0].WbLsid)
	assert.Equal(t, 1, plan.Stripes[0].BlockUpdates)
	assert.Equal(t, blkaddr.StripeID(3), plan.Stripes[1].WbLsid)
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		In     Config
		Out    Config
		ErrStr string
	}
	testcases := map[string]TestCase{
		"default-groups": {In: Config{LogBufferSize: 1000}, Out: Config{LogBufferSize: 896, NumLogGroups: 2}},
		"aligned":        {In: Config{LogBufferSize: 768, NumLogGroups: 3}, Out: Config{LogBufferSize: 768, NumLogGroups: 3}},
		"zero":           {In: Config{}, ErrStr: "journal: bad configuration: log buffer size 0"},
		"too-small":      {In: Config{LogBufferSize: 100, NumLogGroups: 2}, ErrStr: "journal: bad configuration: log buffer size 100 is less than one 64-byte page per group"},
		"one-group":      {In: Config{LogBufferSize: 1024, NumLogGroups: 1}, ErrStr: "journal: bad configuration: need at least 2 log groups, have 1"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			out, err := tc.In.Normalize(64)
			if tc.ErrStr != "" {
				assert.EqualError(t, err, tc.ErrStr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.Out, out)
		})
	}
}
