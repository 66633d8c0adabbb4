// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/rbaguard"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

var gcAcquireRetryDelay = textui.Tunable(100 * time.Microsecond)

// victimBlock is a live block found in a victim segment.
type victimBlock struct {
	vol blkaddr.VolumeID
	rba blkaddr.RBA
	vsa blkaddr.VSA
}

// CollectGarbage picks the segment with the fewest valid blocks and
// collects it.
func (a *Array) CollectGarbage(ctx context.Context) (blkaddr.SegmentID, int, error) {
	seg, err := a.alloc.PickVictimSegment()
	if err != nil {
		return seg, 0, err
	}
	moved, err := a.CollectSegment(ctx, seg)
	return seg, moved, err
}

// CollectSegment copies the live blocks of seg into fresh user-area
// stripes, repoints the block maps at the copies, and frees seg.  It
// returns the number of blocks moved.  It must not be called from a
// scheduler worker.
func (a *Array) CollectSegment(ctx context.Context, seg blkaddr.SegmentID) (int, error) {
	if !a.IsMounted() {
		return 0, ErrNotMounted
	}
	a.gcMu.Lock()
	defer a.gcMu.Unlock()
	ctx = dlog.WithField(ctx, "stripemap.gc.segment", seg)

	victims, err := a.findVictimBlocks(seg)
	if err != nil {
		return 0, err
	}
	byVol := make(map[blkaddr.VolumeID][]victimBlock)
	for _, blk := range victims {
		byVol[blk.vol] = append(byVol[blk.vol], blk)
	}
	vols := maps.Keys(byVol)
	slices.Sort(vols)

	moved := 0
	perStripe := int(a.cfg.Geometry.BlksPerStripe)
	for _, vol := range vols {
		blks := byVol[vol]
		for len(blks) > 0 {
			n := perStripe
			if n > len(blks) {
				n = len(blks)
			}
			cnt, err := a.copyVictims(ctx, vol, blks[:n])
			moved += cnt
			if err != nil {
				return moved, err
			}
			blks = blks[n:]
		}
	}

	if valid := a.alloc.ValidBlockCount(seg); valid != 0 {
		dlog.Infof(ctx, "moved %d blocks; %d still valid, segment kept", moved, valid)
		return moved, nil
	}
	// Not logged: the unmapped stripe map entries stay volatile until
	// the next full map flush.  A crash before then brings seg back
	// in use with no valid blocks, and the next pass frees it again.
	if err := a.alloc.FreeSegment(seg); err != nil {
		return moved, err
	}
	dlog.Infof(ctx, "moved %d blocks; segment freed", moved)
	return moved, nil
}

// findVictimBlocks lists the blocks of seg that a block map still
// points at, per the reverse maps of its user-area stripes.
func (a *Array) findVictimBlocks(seg blkaddr.SegmentID) ([]victimBlock, error) {
	geo := a.cfg.Geometry
	sm := a.maps.StripeMap()
	var ret []victimBlock
	first := geo.FirstStripeOf(seg)
	for vsid := first; vsid < first+blkaddr.StripeID(geo.StripesPerSegment); vsid++ {
		addr, err := sm.GetEntry(vsid)
		if err != nil {
			return nil, err
		}
		if !sm.IsInUserDataArea(addr) {
			continue
		}
		rm, err := a.revMaps.Load(vsid)
		if err != nil {
			return nil, err
		}
		for off, ent := range rm.Entries() {
			if !ent.IsSet() {
				continue
			}
			vm, err := a.maps.GetVSAMap(ent.Vol)
			if err != nil {
				continue
			}
			want := blkaddr.VSA{StripeID: vsid, Offset: blkaddr.BlkOffset(off)}
			if cur, err := vm.GetEntry(ent.RBA); err != nil || cur != want {
				continue
			}
			ret = append(ret, victimBlock{vol: ent.Vol, rba: ent.RBA, vsa: want})
		}
	}
	return ret, nil
}

func (a *Array) acquireBlock(ctx context.Context, vol blkaddr.VolumeID, rba blkaddr.RBA) error {
	for {
		err := a.guard.BulkAcquire(vol, rba, 1)
		if !errors.Is(err, rbaguard.ErrRBAOwned) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gcAcquireRetryDelay):
		}
	}
}

// copyVictims moves up to one stripe's worth of vol's blocks into a
// new user-area stripe.
func (a *Array) copyVictims(ctx context.Context, vol blkaddr.VolumeID, blks []victimBlock) (int, error) {
	geo := a.cfg.Geometry
	blockSize := int(geo.BlockSize)
	vm, err := a.maps.GetVSAMap(vol)
	if err != nil {
		return 0, err
	}

	// Own every block while it moves, so that no write races the
	// block map update; drop those that a write has already
	// moved.
	var owned []victimBlock
	defer func() {
		for _, blk := range owned {
			_ = a.guard.Release(vol, blk.rba, 1)
		}
	}()
	for _, blk := range blks {
		if err := a.acquireBlock(ctx, vol, blk.rba); err != nil {
			return 0, err
		}
		if cur, err := vm.GetEntry(blk.rba); err != nil || cur != blk.vsa {
			_ = a.guard.Release(vol, blk.rba, 1)
			continue
		}
		owned = append(owned, blk)
	}
	if len(owned) == 0 {
		return 0, nil
	}

	vsid, err := a.alloc.AllocateGcStripeID(ctx)
	if err != nil {
		return 0, err
	}
	user, err := a.alloc.AllocateUserDataStripeId(vsid)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, int(geo.BlksPerStripe)*blockSize)
	rm := a.revMaps.New(vsid)
	updates := make([]journal.GcBlockMapUpdate, 0, len(owned))
	for i, blk := range owned {
		if err := a.dev.SyncIO(ctx, metafs.DirRead, [][]byte{buf[i*blockSize : (i+1)*blockSize]},
			arraydev.LSA{StripeID: blk.vsa.StripeID, Offset: blk.vsa.Offset}, 1, arraydev.PartitionUserData); err != nil {
			return 0, err
		}
		if err := rm.Set(blkaddr.BlkOffset(i), blk.rba, vol); err != nil {
			return 0, err
		}
		updates = append(updates, journal.GcBlockMapUpdate{
			RBA: blk.rba,
			VSA: blkaddr.VSA{StripeID: vsid, Offset: blkaddr.BlkOffset(i)},
		})
	}
	if err := a.dev.SyncIO(ctx, metafs.DirWrite, [][]byte{buf},
		arraydev.LSA{StripeID: user}, geo.BlksPerStripe, arraydev.PartitionUserData); err != nil {
		return 0, err
	}
	if err := scheduler.Wait(ctx, func(done func(error)) {
		if err := rm.Flush(done); err != nil {
			done(err)
		}
	}); err != nil {
		return 0, err
	}

	// Map update: the stripe first, then the blocks that now live
	// in it.
	if err := a.maps.StripeMap().SetEntry(vsid, blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: user}); err != nil {
		return 0, err
	}
	for i, upd := range updates {
		if err := vm.SetEntry(upd.RBA, upd.VSA); err != nil {
			return 0, err
		}
		if err := a.alloc.InvalidateBlks(blkaddr.VirtualBlks{Start: owned[i].vsa, NumBlks: 1}); err != nil {
			dlog.Errorf(ctx, "rba %v: %v", upd.RBA, err)
		}
		a.alloc.ValidateBlks(blkaddr.VirtualBlks{Start: upd.VSA, NumBlks: 1})
	}
	lwc, err := a.factory.CreateGcStripeFlushedLogWriteContext(vsid, vol, updates, nil)
	if err != nil {
		return 0, err
	}
	if err := a.addLogSync(ctx, lwc); err != nil {
		return 0, fmt.Errorf("gc stripe %v: %w", vsid, err)
	}
	dlog.Debugf(dlog.WithField(ctx, "stripemap.vsid", vsid), "moved %d blocks of volume %d", len(owned), vol)
	return len(owned), nil
}
