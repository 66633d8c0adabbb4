// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaddr_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

func TestAddrFormat(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input    any
		InputFmt string
		Output   string
	}
	testcases := map[string]TestCase{
		"rba-v":       {Input: blkaddr.RBA(0x3a41678000), InputFmt: "%v", Output: "0x0000003a41678000"},
		"rba-q":       {Input: blkaddr.RBA(0x3a41678000), InputFmt: "%q", Output: `"0x0000003a41678000"`},
		"rba-d":       {Input: blkaddr.RBA(0x3a41678000), InputFmt: "%d", Output: "250205405184"},
		"stripe-v":    {Input: blkaddr.StripeID(0x2a), InputFmt: "%v", Output: "0x0000002a"},
		"stripe-d":    {Input: blkaddr.StripeID(0x2a), InputFmt: "%d", Output: "42"},
		"vsa":         {Input: blkaddr.VSA{StripeID: 3, Offset: 7}, InputFmt: "%v", Output: "vsa(3+7)"},
		"vsa-unmap":   {Input: blkaddr.UnmapVSA, InputFmt: "%v", Output: "vsa(unmapped)"},
		"saddr":       {Input: blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 9}, InputFmt: "%v", Output: "USER:9"},
		"saddr-unmap": {Input: blkaddr.UnmapStripeAddr, InputFmt: "%v", Output: "stripe(unmapped)"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Output, fmt.Sprintf(tc.InputFmt, tc.Input))
		})
	}
}

func TestPack(t *testing.T) {
	t.Parallel()
	vsa := blkaddr.VSA{StripeID: 0x1234, Offset: 0x56}
	assert.Equal(t, uint64(0x0000123400000056), vsa.Pack())
	assert.Equal(t, vsa, blkaddr.UnpackVSA(vsa.Pack()))
	assert.True(t, blkaddr.UnpackVSA(blkaddr.UnmapVSA.Pack()).IsUnmapped())

	addr := blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: 77}
	assert.Equal(t, uint64(1)<<32|77, addr.Pack())
	assert.Equal(t, addr, blkaddr.UnpackStripeAddr(addr.Pack()))
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	assert.NoError(t, blkaddr.VSA{StripeID: 1, Offset: 2}.EncodeJSON(&out))
	assert.NoError(t, blkaddr.UnmapVSA.EncodeJSON(&out))
	assert.NoError(t, blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: 4}.EncodeJSON(&out))
	assert.Equal(t, `{"stripe":1,"offset":2}null{"loc":"WB","id":4}`, out.String())
}

func TestGeometry(t *testing.T) {
	t.Parallel()
	geo := blkaddr.Geometry{
		BlockSize:         blkaddr.DefaultBlockSize,
		BlksPerStripe:     64,
		StripesPerSegment: 8,
		NumUserSegments:   4,
		NumWbStripes:      16,
	}
	assert.NoError(t, geo.Validate())
	assert.Equal(t, uint32(32), geo.NumUserStripes())
	assert.Equal(t, blkaddr.SegmentID(2), geo.SegmentOf(17))
	assert.Equal(t, blkaddr.StripeID(24), geo.FirstStripeOf(3))
	assert.Equal(t, uint64(64*4096), geo.StripeSize())

	bad := geo
	bad.BlksPerStripe = 0
	assert.ErrorIs(t, bad.Validate(), blkaddr.ErrInvalidGeometry)
	bad = geo
	bad.BlockSize = 1000
	assert.ErrorIs(t, bad.Validate(), blkaddr.ErrInvalidGeometry)
}
