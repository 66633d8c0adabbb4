// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaddr

import (
	"errors"
	"fmt"
)

// Geometry describes the shape of the user-data and write-buffer
// partitions.
type Geometry struct {
	BlockSize         uint32 `json:"block_size"`
	BlksPerStripe     uint32 `json:"blks_per_stripe"`
	StripesPerSegment uint32 `json:"stripes_per_segment"`
	NumUserSegments   uint32 `json:"num_user_segments"`
	NumWbStripes      uint32 `json:"num_wb_stripes"`
}

const DefaultBlockSize = 4096

var ErrInvalidGeometry = errors.New("invalid geometry")

func (g Geometry) Validate() error {
	switch {
	case g.BlockSize == 0 || g.BlockSize%512 != 0:
		return fmt.Errorf("%w: block size %d is not a multiple of 512", ErrInvalidGeometry, g.BlockSize)
	case g.BlksPerStripe == 0:
		return fmt.Errorf("%w: zero blocks per stripe", ErrInvalidGeometry)
	case g.StripesPerSegment == 0:
		return fmt.Errorf("%w: zero stripes per segment", ErrInvalidGeometry)
	case g.NumUserSegments == 0:
		return fmt.Errorf("%w: zero user segments", ErrInvalidGeometry)
	case g.NumWbStripes == 0:
		return fmt.Errorf("%w: zero write-buffer stripes", ErrInvalidGeometry)
	case uint64(g.NumUserSegments)*uint64(g.StripesPerSegment) >= uint64(UnmapStripe):
		return fmt.Errorf("%w: %d*%d user stripes overflows the stripe id space",
			ErrInvalidGeometry, g.NumUserSegments, g.StripesPerSegment)
	}
	return nil
}

func (g Geometry) NumUserStripes() uint32 {
	return g.NumUserSegments * g.StripesPerSegment
}

func (g Geometry) StripeSize() uint64 {
	return uint64(g.BlksPerStripe) * uint64(g.BlockSize)
}

func (g Geometry) SegmentOf(id StripeID) SegmentID {
	return SegmentID(uint32(id) / g.StripesPerSegment)
}

func (g Geometry) FirstStripeOf(seg SegmentID) StripeID {
	return StripeID(uint32(seg) * g.StripesPerSegment)
}
