// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// StripeMap is the array-wide VSID -> StripeAddr map.
type StripeMap struct {
	*Map
}

// GetEntry returns UnmapStripeAddr for a stripe that was never
// mapped.
func (sm *StripeMap) GetEntry(vsid blkaddr.StripeID) (blkaddr.StripeAddr, error) {
	val, err := sm.content.getEntry(uint64(vsid))
	if err != nil {
		return blkaddr.UnmapStripeAddr, err
	}
	return blkaddr.UnpackStripeAddr(val), nil
}

func (sm *StripeMap) SetEntry(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error {
	return sm.content.setEntry(uint64(vsid), addr.Pack())
}

func (sm *StripeMap) IsInUserDataArea(addr blkaddr.StripeAddr) bool {
	return !addr.IsUnmapped() && addr.Loc == blkaddr.InUserArea
}

func (sm *StripeMap) IsInWriteBufferArea(addr blkaddr.StripeAddr) bool {
	return !addr.IsUnmapped() && addr.Loc == blkaddr.InWriteBufferArea
}

// ForEach calls fn for every mapped VSID, in order.
func (sm *StripeMap) ForEach(fn func(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error) error {
	return sm.content.forEach(func(idx, val uint64) error {
		return fn(blkaddr.StripeID(idx), blkaddr.UnpackStripeAddr(val))
	})
}
