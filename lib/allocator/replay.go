// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package allocator

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

// The methods in this file rebuild allocator state at mount time.
// Each of them is idempotent.

// RebuildFromStripeMap discards all allocator state and rebuilds it
// from the stripe map: user-area entries mark their stripe and
// segment occupied, and write-buffer entries become pending stripes.
// No segment is left open for allocation; new stripes go to a fresh
// segment.
func (a *Allocator) RebuildFromStripeMap() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return a.stripeMap.ForEach(func(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error {
		if uint32(vsid) >= a.geo.NumUserStripes() {
			return fmt.Errorf("stripe map entry for vsid %v is out of range", vsid)
		}
		a.segInUse.Set(a.geo.SegmentOf(vsid))
		switch addr.Loc {
		case blkaddr.InUserArea:
			a.userInUse.Set(vsid)
		case blkaddr.InWriteBufferArea:
			if uint32(addr.ID) >= a.geo.NumWbStripes {
				return fmt.Errorf("stripe map entry %v for vsid %v is out of range", addr, vsid)
			}
			a.wbInUse.Set(addr.ID)
			a.pending[vsid] = addr.ID
		default:
			return fmt.Errorf("stripe map entry %v for vsid %v has a bad location", addr, vsid)
		}
		return nil
	})
}

func (a *Allocator) ReplaySegmentAllocation(seg blkaddr.SegmentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segInUse.Set(seg)
}

// ReplayStripeAllocation records that vsid was opened in write-buffer
// stripe wbLsid.  The log is newer than the stripe map it is
// replayed over, so this overrides a user-area entry for the same
// VSID.
func (a *Allocator) ReplayStripeAllocation(vsid, wbLsid blkaddr.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segInUse.Set(a.geo.SegmentOf(vsid))
	if wbLsid == blkaddr.UnmapStripe {
		return
	}
	if cur, ok := a.pending[vsid]; ok && cur != wbLsid {
		a.wbInUse.Clear(cur)
	}
	a.userInUse.Clear(vsid)
	a.wbInUse.Set(wbLsid)
	a.pending[vsid] = wbLsid
}

// ReplayStripeFlush records that vsid moved from write-buffer stripe
// wbLsid to user-area stripe userLsid.
func (a *Allocator) ReplayStripeFlush(vsid, wbLsid, userLsid blkaddr.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segInUse.Set(a.geo.SegmentOf(vsid))
	a.userInUse.Set(userLsid)
	if cur, ok := a.pending[vsid]; ok && cur == wbLsid {
		delete(a.pending, vsid)
		a.wbInUse.Clear(wbLsid)
	}
}

// PendingStripe is a stripe that replay found still in the write
// buffer.
type PendingStripe struct {
	VSID   blkaddr.StripeID
	WbLsid blkaddr.StripeID
}

// PendingStripes returns the write-buffer stripes recovered by replay
// that have not been adopted yet, ordered by VSID.
func (a *Allocator) PendingStripes() []PendingStripe {
	a.mu.Lock()
	defer a.mu.Unlock()
	vsids := maps.Keys(a.pending)
	slices.Sort(vsids)
	ret := make([]PendingStripe, 0, len(vsids))
	for _, vsid := range vsids {
		ret = append(ret, PendingStripe{VSID: vsid, WbLsid: a.pending[vsid]})
	}
	return ret
}

// AdoptPendingStripe turns a pending stripe into a closed Stripe,
// with no references, ready to be taken for flush.
func (a *Allocator) AdoptPendingStripe(vsid blkaddr.StripeID, rm *stripe.ReverseMap) (*stripe.Stripe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	wbLsid, ok := a.pending[vsid]
	if !ok {
		return nil, fmt.Errorf("adopt stripe %v: %w", vsid, ErrUnknownStripe)
	}
	s := stripe.New(a.geo, a.pool)
	if err := s.Assign(vsid, wbLsid, 0); err != nil {
		return nil, err
	}
	if _, err := s.DecreaseBlksRemaining(a.geo.BlksPerStripe); err != nil {
		return nil, err
	}
	if err := s.LinkReverseMap(rm); err != nil {
		return nil, err
	}
	s.SetFinished()
	if err := s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerWriters); err != nil {
		return nil, err
	}
	delete(a.pending, vsid)
	a.stripes[wbLsid] = s
	return s, nil
}
