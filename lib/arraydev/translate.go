// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraydev is the array's view of its member devices: it
// translates logical stripe addresses in a partition to byte offsets
// on members, and issues the resulting I/O.
package arraydev

import (
	"errors"
	"fmt"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// Partition is a region of the array with its own LSID space.
type Partition int

const (
	PartitionWriteBuffer Partition = iota
	PartitionUserData
)

func (p Partition) String() string {
	switch p {
	case PartitionWriteBuffer:
		return "write-buffer"
	case PartitionUserData:
		return "user-data"
	default:
		return fmt.Sprintf("Partition(%d)", int(p))
	}
}

// LSA is a logical block address within a partition: an LSID and a
// block offset in that stripe.
type LSA struct {
	StripeID blkaddr.StripeID
	Offset   blkaddr.BlkOffset
}

func (lsa LSA) String() string {
	return fmt.Sprintf("lsa(%d+%d)", lsa.StripeID, lsa.Offset)
}

// PhysicalAddr is a byte offset on one member device.
type PhysicalAddr struct {
	Member int
	Offset int64
}

// Extent is a run of blocks that is contiguous on one member.
// BufBlk is the index, within the request, of its first block.
type Extent struct {
	PhysicalAddr
	BufBlk  uint32
	NumBlks uint32
}

var (
	ErrBadPartition  = errors.New("no such partition")
	ErrOutOfRange    = errors.New("address is outside the partition")
	ErrCrossesStripe = errors.New("range crosses a stripe boundary")
	ErrBadLayout     = errors.New("invalid member layout")
)

// A Translator maps logical addresses to member addresses.  It is
// pure: it does no I/O and holds no mutable state.
type Translator interface {
	// Translate resolves one block, and returns how many blocks
	// starting there are contiguous on the same member.
	Translate(part Partition, lsa LSA) (paddr PhysicalAddr, maxlen uint32, err error)
	// Convert resolves n blocks starting at lsa, all within one
	// stripe, into member extents in request order.
	Convert(part Partition, lsa LSA, n uint32) ([]Extent, error)
	NumMembers() int
	// MemberSize is the number of bytes each member must hold.
	MemberSize() int64
}

// ChunkedTranslator spreads every stripe across the members in
// equal chunks: member i holds blocks [i*chunk, (i+1)*chunk) of each
// stripe.  On a member, the write-buffer partition comes first and
// the user-data partition follows it.
type ChunkedTranslator struct {
	geo        blkaddr.Geometry
	numMembers int
	chunkBlks  uint32
}

var _ Translator = ChunkedTranslator{}

func NewChunkedTranslator(geo blkaddr.Geometry, numMembers int) (ChunkedTranslator, error) {
	if err := geo.Validate(); err != nil {
		return ChunkedTranslator{}, err
	}
	if numMembers < 1 || geo.BlksPerStripe%uint32(numMembers) != 0 {
		return ChunkedTranslator{}, fmt.Errorf("%w: %d blocks per stripe do not divide over %d members",
			ErrBadLayout, geo.BlksPerStripe, numMembers)
	}
	return ChunkedTranslator{
		geo:        geo,
		numMembers: numMembers,
		chunkBlks:  geo.BlksPerStripe / uint32(numMembers),
	}, nil
}

func (t ChunkedTranslator) NumMembers() int { return t.numMembers }

func (t ChunkedTranslator) chunkBytes() int64 {
	return int64(t.chunkBlks) * int64(t.geo.BlockSize)
}

func (t ChunkedTranslator) numStripes(part Partition) (uint32, error) {
	switch part {
	case PartitionWriteBuffer:
		return t.geo.NumWbStripes, nil
	case PartitionUserData:
		return t.geo.NumUserStripes(), nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrBadPartition, part)
	}
}

func (t ChunkedTranslator) partitionBase(part Partition) int64 {
	if part == PartitionUserData {
		return int64(t.geo.NumWbStripes) * t.chunkBytes()
	}
	return 0
}

func (t ChunkedTranslator) MemberSize() int64 {
	return int64(t.geo.NumWbStripes+t.geo.NumUserStripes()) * t.chunkBytes()
}

func (t ChunkedTranslator) Translate(part Partition, lsa LSA) (PhysicalAddr, uint32, error) {
	numStripes, err := t.numStripes(part)
	if err != nil {
		return PhysicalAddr{}, 0, err
	}
	if uint32(lsa.StripeID) >= numStripes || uint32(lsa.Offset) >= t.geo.BlksPerStripe {
		return PhysicalAddr{}, 0, fmt.Errorf("%v %v: %w", part, lsa, ErrOutOfRange)
	}
	member := uint32(lsa.Offset) / t.chunkBlks
	within := uint32(lsa.Offset) % t.chunkBlks
	return PhysicalAddr{
		Member: int(member),
		Offset: t.partitionBase(part) +
			int64(lsa.StripeID)*t.chunkBytes() +
			int64(within)*int64(t.geo.BlockSize),
	}, t.chunkBlks - within, nil
}

func (t ChunkedTranslator) Convert(part Partition, lsa LSA, n uint32) ([]Extent, error) {
	if uint64(lsa.Offset)+uint64(n) > uint64(t.geo.BlksPerStripe) {
		return nil, fmt.Errorf("%v %v+%d: %w", part, lsa, n, ErrCrossesStripe)
	}
	var ret []Extent
	for done := uint32(0); done < n; {
		paddr, maxlen, err := t.Translate(part, LSA{StripeID: lsa.StripeID, Offset: lsa.Offset + blkaddr.BlkOffset(done)})
		if err != nil {
			return nil, err
		}
		if maxlen > n-done {
			maxlen = n - done
		}
		ret = append(ret, Extent{PhysicalAddr: paddr, BufBlk: done, NumBlks: maxlen})
		done += maxlen
	}
	return ret, nil
}
