// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

// LogWriteContext is one record on its way into the journal, along
// with the map pages that the change it describes dirtied.  Those
// pages must reach disk before the record's log group is reused.
type LogWriteContext struct {
	Log        Log
	DirtyPages map[mapper.MapID][]mapper.PageNum
	// Callback is called once the record is durable, or failed to
	// be written.
	Callback func(error)

	seq uint64
}

// Seq returns the sequence number AddLog assigned, or 0 if the
// context has not been added.
func (lwc *LogWriteContext) Seq() uint64 { return lwc.seq }

// LogWriteContextFactory builds LogWriteContexts, working out which
// map pages each change dirties.
type LogWriteContextFactory struct {
	maps Maps
}

func NewLogWriteContextFactory(maps Maps) *LogWriteContextFactory {
	return &LogWriteContextFactory{maps: maps}
}

func (f *LogWriteContextFactory) vsaMapPages(vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) ([]mapper.PageNum, error) {
	vm, err := f.maps.GetVSAMap(vol)
	if err != nil {
		return nil, err
	}
	return vm.GetDirtyPages(uint64(rba), uint64(n)), nil
}

// CreateBlockMapLogWriteContext describes a completed write of blks
// to vol at rba.  Besides the block map pages, it dirties the stripe
// map page holding the write-buffer entry of the stripe blks landed
// in: the block map must not reach disk pointing at a stripe that
// the on-disk stripe map does not know.
func (f *LogWriteContextFactory) CreateBlockMapLogWriteContext(vol blkaddr.VolumeID, rba blkaddr.RBA, blks blkaddr.VirtualBlks, wbLsid blkaddr.StripeID, cb func(error)) (*LogWriteContext, error) {
	pages, err := f.vsaMapPages(vol, rba, blks.NumBlks)
	if err != nil {
		return nil, err
	}
	return &LogWriteContext{
		Log: &BlockWriteDoneLog{
			Vol:      vol,
			StartRBA: rba,
			NumBlks:  blks.NumBlks,
			StartVSA: blks.Start,
			WbLsid:   wbLsid,
		},
		DirtyPages: map[mapper.MapID][]mapper.PageNum{
			mapper.VolumeMapID(vol): pages,
			mapper.StripeMapID:      f.maps.StripeMap().GetDirtyPages(uint64(blks.Start.StripeID), 1),
		},
		Callback: cb,
	}, nil
}

// CreateStripeMapLogWriteContext describes s moving from oldAddr to
// its user-area stripe.
func (f *LogWriteContextFactory) CreateStripeMapLogWriteContext(s *stripe.Stripe, oldAddr blkaddr.StripeAddr, cb func(error)) *LogWriteContext {
	return &LogWriteContext{
		Log: &StripeMapUpdatedLog{
			VSID:    s.VSID(),
			OldAddr: oldAddr,
			NewAddr: blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: s.UserLsid()},
		},
		DirtyPages: map[mapper.MapID][]mapper.PageNum{
			mapper.StripeMapID: f.maps.StripeMap().GetDirtyPages(uint64(s.VSID()), 1),
		},
		Callback: cb,
	}
}

// CreateGcStripeFlushedLogWriteContext describes a GC stripe written
// to the user area and the block map entries repointed at it.
func (f *LogWriteContextFactory) CreateGcStripeFlushedLogWriteContext(vsid blkaddr.StripeID, vol blkaddr.VolumeID, updates []GcBlockMapUpdate, cb func(error)) (*LogWriteContext, error) {
	vm, err := f.maps.GetVSAMap(vol)
	if err != nil {
		return nil, err
	}
	pages := make(containers.Set[mapper.PageNum])
	for _, upd := range updates {
		for _, n := range vm.GetDirtyPages(uint64(upd.RBA), 1) {
			pages.Insert(n)
		}
	}
	return &LogWriteContext{
		Log: &GcStripeFlushedLog{
			VSID:   vsid,
			Vol:    vol,
			Blocks: slices.Clone(updates),
		},
		DirtyPages: map[mapper.MapID][]mapper.PageNum{
			mapper.VolumeMapID(vol): pages.Sorted(),
			mapper.StripeMapID:      f.maps.StripeMap().GetDirtyPages(uint64(vsid), 1),
		},
		Callback: cb,
	}, nil
}

// CreateVolumeDeletedLogWriteContext describes the deletion of vol.
// It dirties no pages: the volume's block map goes away with it.
func (f *LogWriteContextFactory) CreateVolumeDeletedLogWriteContext(vol blkaddr.VolumeID, contextVersion uint64, cb func(error)) *LogWriteContext {
	return &LogWriteContext{
		Log: &VolumeDeletedLog{
			Vol:            vol,
			ContextVersion: contextVersion,
		},
		Callback: cb,
	}
}
