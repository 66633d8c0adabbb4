// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package allocator hands out write-buffer stripes and the blocks in
// them, and tracks the occupancy of the user area.
//
// VSIDs are user-area stripe slots: a stripe is born in the write
// buffer with its VSID already chosen, and when it is flushed it
// lands in the user-area stripe of the same number.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

var (
	ErrNoFreeSegment       = errors.New("no free user-area segment")
	ErrNoFreeWbStripe      = errors.New("no free write-buffer stripe")
	ErrStripeBusy          = errors.New("stripe is still in use")
	ErrNoVictim            = errors.New("no segment is eligible for garbage collection")
	ErrSegmentNotEmpty     = errors.New("segment still holds valid blocks")
	ErrValidCountUnderflow = errors.New("valid block count underflow")
	ErrUnknownStripe       = errors.New("no such write-buffer stripe")
)

// StripeMap is the part of the stripe map that the allocator
// maintains.
type StripeMap interface {
	GetEntry(vsid blkaddr.StripeID) (blkaddr.StripeAddr, error)
	SetEntry(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error
	ForEach(fn func(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error) error
}

// ReverseMaps creates reverse maps for newly opened stripes.
type ReverseMaps interface {
	New(vsid blkaddr.StripeID) *stripe.ReverseMap
}

const noSegment = ^blkaddr.SegmentID(0)

type Allocator struct {
	geo       blkaddr.Geometry
	stripeMap StripeMap
	revMaps   ReverseMaps
	pool      *containers.SlicePool[byte]

	mu sync.Mutex
	// write-buffer LSIDs in use
	wbInUse *containers.Bitmap[blkaddr.StripeID]
	// segments holding (or about to hold) data
	segInUse *containers.Bitmap[blkaddr.SegmentID]
	// user-area stripes with durable content
	userInUse  *containers.Bitmap[blkaddr.StripeID]
	curSegment blkaddr.SegmentID
	nextVSID   blkaddr.StripeID
	active     map[blkaddr.VolumeID]*stripe.Stripe
	// every stripe resident in the write buffer, by write-buffer LSID
	stripes map[blkaddr.StripeID]*stripe.Stripe
	// write-buffer stripes recovered by replay that have no Stripe
	// object yet: VSID -> write-buffer LSID
	pending map[blkaddr.StripeID]blkaddr.StripeID

	validBlks []atomic.Int64
}

func New(geo blkaddr.Geometry, stripeMap StripeMap, revMaps ReverseMaps, pool *containers.SlicePool[byte]) (*Allocator, error) {
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("allocator.New: %w", err)
	}
	a := &Allocator{
		geo:       geo,
		stripeMap: stripeMap,
		revMaps:   revMaps,
		pool:      pool,
	}
	a.reset()
	return a, nil
}

func (a *Allocator) reset() {
	a.wbInUse = containers.NewBitmap(blkaddr.StripeID(a.geo.NumWbStripes))
	a.segInUse = containers.NewBitmap(blkaddr.SegmentID(a.geo.NumUserSegments))
	a.userInUse = containers.NewBitmap(blkaddr.StripeID(a.geo.NumUserStripes()))
	a.curSegment = noSegment
	a.nextVSID = 0
	a.active = make(map[blkaddr.VolumeID]*stripe.Stripe)
	a.stripes = make(map[blkaddr.StripeID]*stripe.Stripe)
	a.pending = make(map[blkaddr.StripeID]blkaddr.StripeID)
	a.validBlks = make([]atomic.Int64, a.geo.NumUserSegments)
}

func (a *Allocator) Geometry() blkaddr.Geometry { return a.geo }

// allocateVSID must be called with a.mu held.
func (a *Allocator) allocateVSID(ctx context.Context) (blkaddr.StripeID, error) {
	if a.curSegment == noSegment || a.nextVSID == a.geo.FirstStripeOf(a.curSegment+1) {
		seg, ok := a.segInUse.FindFirstClear(0)
		if !ok {
			return blkaddr.UnmapStripe, ErrNoFreeSegment
		}
		a.segInUse.Set(seg)
		a.curSegment = seg
		a.nextVSID = a.geo.FirstStripeOf(seg)
		dlog.Debugf(ctx, "opened user segment %d", seg)
	}
	vsid := a.nextVSID
	a.nextVSID++
	return vsid, nil
}

// openStripe must be called with a.mu held.
func (a *Allocator) openStripe(ctx context.Context, vol blkaddr.VolumeID) (*stripe.Stripe, error) {
	wbLsid, ok := a.wbInUse.FindFirstClear(0)
	if !ok {
		return nil, ErrNoFreeWbStripe
	}
	vsid, err := a.allocateVSID(ctx)
	if err != nil {
		return nil, err
	}
	a.wbInUse.Set(wbLsid)

	s := stripe.New(a.geo, a.pool)
	if err := s.Assign(vsid, wbLsid, vol); err != nil {
		panic(fmt.Errorf("should not happen: fresh stripe: %w", err))
	}
	if err := s.LinkReverseMap(a.revMaps.New(vsid)); err != nil {
		panic(fmt.Errorf("should not happen: fresh stripe: %w", err))
	}
	if err := a.stripeMap.SetEntry(vsid, blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: wbLsid}); err != nil {
		a.wbInUse.Clear(wbLsid)
		return nil, err
	}
	a.stripes[wbLsid] = s
	a.active[vol] = s
	dlog.Tracef(dlog.WithField(ctx, "stripemap.vsid", vsid), "opened stripe in write-buffer stripe %d", wbLsid)
	return s, nil
}

// AllocateWriteBufferBlks hands out up to n blocks from vol's active
// stripe, opening a new stripe if there is none.  It may return
// fewer than n blocks (the rest of the active stripe); the caller
// allocates again for the remainder.  The caller holds a reference
// on the returned stripe and must Derefer it when its write is
// logged.
func (a *Allocator) AllocateWriteBufferBlks(ctx context.Context, vol blkaddr.VolumeID, n uint32) (blkaddr.VirtualBlks, *stripe.Stripe, error) {
	if n == 0 {
		return blkaddr.VirtualBlks{Start: blkaddr.UnmapVSA}, nil, fmt.Errorf("allocator: zero-block allocation")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.active[vol]
	if !ok {
		var err error
		s, err = a.openStripe(ctx, vol)
		if err != nil {
			return blkaddr.VirtualBlks{Start: blkaddr.UnmapVSA}, nil, err
		}
	}
	remaining := s.GetBlksRemaining()
	take := n
	if take > remaining {
		take = remaining
	}
	offset := blkaddr.BlkOffset(a.geo.BlksPerStripe - remaining)
	s.Refer()
	left, err := s.DecreaseBlksRemaining(take)
	if err != nil {
		panic(fmt.Errorf("should not happen: allocator is the only decrementer: %w", err))
	}
	if left == 0 {
		// The reference taken above is still held, so the writer's
		// eventual Derefer sees the stripe finished.
		s.SetFinished()
		if err := s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerWriters); err != nil {
			panic(fmt.Errorf("should not happen: %w", err))
		}
		delete(a.active, vol)
	}
	return blkaddr.VirtualBlks{
		Start:   blkaddr.VSA{StripeID: s.VSID(), Offset: offset},
		NumBlks: take,
	}, s, nil
}

// AllocateGcStripeID allocates a VSID for a stripe that GC writes
// straight to the user area.
func (a *Allocator) AllocateGcStripeID(ctx context.Context) (blkaddr.StripeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateVSID(ctx)
}

// AllocateUserDataStripeId claims the user-area stripe for vsid.
// Calling it again for the same VSID returns the same ID.  The claim
// only becomes durable with the stripe map update that follows it;
// after a crash, occupancy is rebuilt from the stripe map, so an
// unlogged claim rolls back.
func (a *Allocator) AllocateUserDataStripeId(vsid blkaddr.StripeID) (blkaddr.StripeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(vsid) >= a.geo.NumUserStripes() {
		return blkaddr.UnmapStripe, fmt.Errorf("allocator: vsid %v out of range", vsid)
	}
	a.userInUse.Set(vsid)
	return vsid, nil
}

func (a *Allocator) IsUserStripeAllocated(vsid blkaddr.StripeID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userInUse.Test(vsid)
}

// FreeWriteBufferStripe returns the stripe's write-buffer LSID to the
// pool.  The stripe must be owned by a flush, its stripe map update
// must be logged, and no one may still reference it.
func (a *Allocator) FreeWriteBufferStripe(s *stripe.Stripe) error {
	if !s.IsMapUpdateLogged() || !s.IsOkToFree() || s.Owner() != stripe.OwnerFlushing {
		return fmt.Errorf("free write-buffer stripe %d (vsid %d): %w", s.WbLsid(), s.VSID(), ErrStripeBusy)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stripes[s.WbLsid()] != s {
		return fmt.Errorf("free write-buffer stripe %d: %w", s.WbLsid(), ErrUnknownStripe)
	}
	if err := s.MoveTo(stripe.OwnerFlushing, stripe.OwnerFreed); err != nil {
		return err
	}
	delete(a.stripes, s.WbLsid())
	a.wbInUse.Clear(s.WbLsid())
	s.ReleaseDataBuffers()
	return nil
}

func (a *Allocator) GetStripe(wbLsid blkaddr.StripeID) (*stripe.Stripe, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stripes[wbLsid]
	return s, ok
}

// ActiveStripe returns vol's open stripe, if it has one.
func (a *Allocator) ActiveStripe(vol blkaddr.VolumeID) (*stripe.Stripe, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.active[vol]
	return s, ok
}

// FlushAllActiveStripes closes every open stripe where it stands, and
// returns them.  A closed stripe keeps its unallocated tail.
func (a *Allocator) FlushAllActiveStripes() []*stripe.Stripe {
	a.mu.Lock()
	defer a.mu.Unlock()
	vols := maps.Keys(a.active)
	slices.Sort(vols)
	ret := make([]*stripe.Stripe, 0, len(vols))
	for _, vol := range vols {
		s := a.active[vol]
		s.SetFinished()
		if err := s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerWriters); err != nil {
			panic(fmt.Errorf("should not happen: %w", err))
		}
		delete(a.active, vol)
		ret = append(ret, s)
	}
	return ret
}

// CloseActiveStripe closes vol's open stripe, if it has one; see
// FlushAllActiveStripes.
func (a *Allocator) CloseActiveStripe(vol blkaddr.VolumeID) *stripe.Stripe {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.active[vol]
	if !ok {
		return nil
	}
	s.SetFinished()
	if err := s.MoveTo(stripe.OwnerOpenPool, stripe.OwnerWriters); err != nil {
		panic(fmt.Errorf("should not happen: %w", err))
	}
	delete(a.active, vol)
	return s
}

// ResidentStripes returns every stripe in the write buffer, ordered
// by VSID.
func (a *Allocator) ResidentStripes() []*stripe.Stripe {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := maps.Values(a.stripes)
	slices.SortFunc(ret, func(x, y *stripe.Stripe) bool {
		return x.VSID() < y.VSID()
	})
	return ret
}

type Stats struct {
	FreeSegments    uint32 `json:"free_segments"`
	FreeWbStripes   uint32 `json:"free_wb_stripes"`
	UserStripesUsed uint32 `json:"user_stripes_used"`
	ActiveStripes   int    `json:"active_stripes"`
	ResidentStripes int    `json:"resident_stripes"`
	PendingStripes  int    `json:"pending_stripes"`
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		FreeSegments:    uint32(a.segInUse.Len() - a.segInUse.NumSet()),
		FreeWbStripes:   uint32(a.wbInUse.Len() - a.wbInUse.NumSet()),
		UserStripesUsed: uint32(a.userInUse.NumSet()),
		ActiveStripes:   len(a.active),
		ResidentStripes: len(a.stripes),
		PendingStripes:  len(a.pending),
	}
}
