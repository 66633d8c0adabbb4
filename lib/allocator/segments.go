// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package allocator

import (
	"fmt"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// ValidateBlks counts blks as live data in their segment.
func (a *Allocator) ValidateBlks(blks blkaddr.VirtualBlks) {
	if blks.Start.IsUnmapped() || blks.NumBlks == 0 {
		return
	}
	a.validBlks[a.geo.SegmentOf(blks.Start.StripeID)].Add(int64(blks.NumBlks))
}

// InvalidateBlks counts blks as overwritten.
func (a *Allocator) InvalidateBlks(blks blkaddr.VirtualBlks) error {
	if blks.Start.IsUnmapped() || blks.NumBlks == 0 {
		return nil
	}
	seg := a.geo.SegmentOf(blks.Start.StripeID)
	ctr := &a.validBlks[seg]
	for {
		cur := ctr.Load()
		if cur < int64(blks.NumBlks) {
			return fmt.Errorf("segment %d: invalidate %v: %w (%d valid)", seg, blks, ErrValidCountUnderflow, cur)
		}
		if ctr.CompareAndSwap(cur, cur-int64(blks.NumBlks)) {
			return nil
		}
	}
}

func (a *Allocator) ValidBlockCount(seg blkaddr.SegmentID) int64 {
	return a.validBlks[seg].Load()
}

// ResetValidCounts zeros every segment's valid-block count, ahead of
// recounting them from the block maps.
func (a *Allocator) ResetValidCounts() {
	for i := range a.validBlks {
		a.validBlks[i].Store(0)
	}
}

// segmentHasResidentStripes must be called with a.mu held.
func (a *Allocator) segmentHasResidentStripes(seg blkaddr.SegmentID) bool {
	for _, s := range a.stripes {
		if a.geo.SegmentOf(s.VSID()) == seg {
			return true
		}
	}
	for vsid := range a.pending {
		if a.geo.SegmentOf(vsid) == seg {
			return true
		}
	}
	return false
}

// PickVictimSegment chooses the segment with the fewest valid blocks
// among those that are closed (not the segment being filled) and
// that have been completely flushed to the user area.
func (a *Allocator) PickVictimSegment() (blkaddr.SegmentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	victim := noSegment
	var victimValid int64
	for _, seg := range a.segInUse.SetBits() {
		if seg == a.curSegment || a.segmentHasResidentStripes(seg) {
			continue
		}
		valid := a.validBlks[seg].Load()
		if victim == noSegment || valid < victimValid {
			victim, victimValid = seg, valid
		}
	}
	if victim == noSegment {
		return noSegment, ErrNoVictim
	}
	return victim, nil
}

// IsSegmentInUse reports whether seg has been allocated.
func (a *Allocator) IsSegmentInUse(seg blkaddr.SegmentID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segInUse.Test(seg)
}

// FreeSegment returns an empty segment to the free pool, and unmaps
// its stripes from the stripe map.
func (a *Allocator) FreeSegment(seg blkaddr.SegmentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seg == a.curSegment || a.segmentHasResidentStripes(seg) {
		return fmt.Errorf("free segment %d: %w", seg, ErrStripeBusy)
	}
	if valid := a.validBlks[seg].Load(); valid != 0 {
		return fmt.Errorf("free segment %d: %w (%d)", seg, ErrSegmentNotEmpty, valid)
	}
	first := a.geo.FirstStripeOf(seg)
	for vsid := first; vsid < first+blkaddr.StripeID(a.geo.StripesPerSegment); vsid++ {
		a.userInUse.Clear(vsid)
		if err := a.stripeMap.SetEntry(vsid, blkaddr.UnmapStripeAddr); err != nil {
			return err
		}
	}
	a.segInUse.Clear(seg)
	return nil
}
