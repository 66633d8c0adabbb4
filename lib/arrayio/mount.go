// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/allocator"
	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

// Mount brings the array up: it loads the maps, replays the journal
// over them, checkpoints the result, and moves every stripe that the
// replay left in the write buffer to the user area.  It must not be
// called from a scheduler worker.
func (a *Array) Mount(ctx context.Context) error {
	if a.IsMounted() || a.alloc != nil {
		return ErrAlreadyMounted
	}
	geo := a.cfg.Geometry
	var err error
	stepCtx := dlog.WithField(ctx, "stripemap.mount.step", "load")

	tr, err := arraydev.NewChunkedTranslator(geo, a.cfg.NumMembers)
	if err != nil {
		return err
	}
	if a.dev, err = arraydev.Open(a.store, a.sched, geo, tr); err != nil {
		return err
	}
	if err := a.revMaps.Init(); err != nil {
		return err
	}
	if err := a.maps.InitStripeMap(stepCtx); err != nil {
		return err
	}
	for vol := blkaddr.VolumeID(0); vol < blkaddr.MaxVolumes; vol++ {
		if !a.maps.VSAMapExists(vol) {
			continue
		}
		if err := a.maps.LoadVSAMap(stepCtx, vol); err != nil {
			return err
		}
	}
	if a.alloc, err = allocator.New(geo, a.maps.StripeMap(), a.revMaps, &a.pool); err != nil {
		return err
	}
	if err := a.jrnl.Open(stepCtx); err != nil {
		return err
	}

	stepCtx = dlog.WithField(ctx, "stripemap.mount.step", "replay")
	if err := a.alloc.RebuildFromStripeMap(); err != nil {
		return fmt.Errorf("mount: rebuild allocator: %w", err)
	}
	plan, err := a.jrnl.Replay(stepCtx, geo, journal.NewReplayer(a.maps, a.alloc))
	if err != nil {
		return fmt.Errorf("mount: replay: %w", err)
	}
	a.lastReplay = plan
	for _, vol := range plan.DeletedVolumes {
		if _, err := a.maps.GetVSAMap(vol); err != nil {
			continue
		}
		dlog.Infof(dlog.WithField(stepCtx, "stripemap.volume", vol), "finishing logged deletion")
		if err := a.maps.DeleteVSAMap(vol); err != nil {
			return err
		}
	}
	for _, vol := range a.maps.Volumes() {
		vm, err := a.maps.GetVSAMap(vol)
		if err != nil {
			return err
		}
		if err := a.guard.CreateVolume(vol, vm.NumBlks()); err != nil {
			return err
		}
	}
	if err := a.recountValidBlocks(); err != nil {
		return err
	}
	pending, err := a.adoptPendingStripes(stepCtx)
	if err != nil {
		return err
	}

	stepCtx = dlog.WithField(ctx, "stripemap.mount.step", "checkpoint")
	if err := a.maps.FlushAll(stepCtx); err != nil {
		return fmt.Errorf("mount: checkpoint: %w", err)
	}
	if err := a.jrnl.Reset(stepCtx); err != nil {
		return fmt.Errorf("mount: checkpoint: %w", err)
	}
	a.mounted.Store(true)

	stepCtx = dlog.WithField(ctx, "stripemap.mount.step", "reflush")
	for _, s := range pending {
		if s.TakeForFlush() {
			a.submitFlush(stepCtx, s)
		}
	}
	if err := a.Sync(ctx); err != nil {
		return fmt.Errorf("mount: flush recovered stripes: %w", err)
	}
	dlog.Infof(ctx, "mounted: %d volumes, replayed %d records, re-flushed %d stripes",
		len(a.maps.Volumes()), plan.NumRecords, len(pending))
	return nil
}

// recountValidBlocks rebuilds every segment's valid-block count from
// the block maps.
func (a *Array) recountValidBlocks() error {
	a.alloc.ResetValidCounts()
	for _, vol := range a.maps.Volumes() {
		vm, err := a.maps.GetVSAMap(vol)
		if err != nil {
			return err
		}
		if err := vm.ForEach(func(_ blkaddr.RBA, vsa blkaddr.VSA) error {
			a.alloc.ValidateBlks(blkaddr.VirtualBlks{Start: vsa, NumBlks: 1})
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// adoptPendingStripes turns each write-buffer stripe that survived
// replay back into a Stripe: its reverse map is rebuilt from the
// block maps, and its data is read back from the write buffer.
func (a *Array) adoptPendingStripes(ctx context.Context) ([]*stripe.Stripe, error) {
	pending := a.alloc.PendingStripes()
	if len(pending) == 0 {
		return nil, nil
	}
	rms := make(map[blkaddr.StripeID]*stripe.ReverseMap, len(pending))
	for _, p := range pending {
		rms[p.VSID] = a.revMaps.New(p.VSID)
	}
	for _, vol := range a.maps.Volumes() {
		vm, err := a.maps.GetVSAMap(vol)
		if err != nil {
			return nil, err
		}
		vol := vol
		if err := vm.ForEach(func(rba blkaddr.RBA, vsa blkaddr.VSA) error {
			rm, ok := rms[vsa.StripeID]
			if !ok {
				return nil
			}
			return rm.Set(vsa.Offset, rba, vol)
		}); err != nil {
			return nil, err
		}
	}

	ret := make([]*stripe.Stripe, 0, len(pending))
	for _, p := range pending {
		s, err := a.alloc.AdoptPendingStripe(p.VSID, rms[p.VSID])
		if err != nil {
			return nil, err
		}
		s.AllocateDataBuffers()
		if err := a.dev.SyncIO(ctx, metafs.DirRead, s.DataBuffers(),
			arraydev.LSA{StripeID: p.WbLsid}, a.cfg.Geometry.BlksPerStripe, arraydev.PartitionWriteBuffer); err != nil {
			return nil, fmt.Errorf("mount: read back write-buffer stripe %d: %w", p.WbLsid, err)
		}
		dlog.Debugf(dlog.WithField(ctx, "stripemap.vsid", p.VSID), "recovered from write-buffer stripe %d", p.WbLsid)
		ret = append(ret, s)
	}
	return ret, nil
}

// Unmount closes every open stripe, waits for everything in flight,
// checkpoints the maps, and closes the metadata files.
func (a *Array) Unmount(ctx context.Context) error {
	if !a.mounted.CompareAndSwap(true, false) {
		return ErrNotMounted
	}
	for _, s := range a.alloc.FlushAllActiveStripes() {
		if s.TakeForFlush() {
			a.submitFlush(ctx, s)
		}
	}
	if err := a.Sync(ctx); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	if err := a.maps.FlushAll(ctx); err != nil {
		return fmt.Errorf("unmount: checkpoint: %w", err)
	}
	if err := a.jrnl.Reset(ctx); err != nil {
		return fmt.Errorf("unmount: checkpoint: %w", err)
	}
	return a.close()
}

// Abandon closes the metadata files without flushing anything, as a
// crash would.  Only what is already durable survives.
func (a *Array) Abandon(ctx context.Context) error {
	a.mounted.Store(false)
	if err := a.sched.WaitIdle(ctx); err != nil {
		return err
	}
	return a.close()
}

func (a *Array) close() error {
	var errs derror.MultiError
	for _, closer := range []interface{ Close() error }{a.jrnl, a.maps, a.revMaps, a.dev} {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}
