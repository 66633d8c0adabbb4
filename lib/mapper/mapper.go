// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mapper implements the two address-translation indexes: a
// block map (VSAMap) per volume, and the array-wide stripe map.
// Both are sparse, paged, dirty-tracked, and flushed independently.
package mapper

import (
	"context"
	"fmt"
	"io"
	"sync"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

// Mapper owns the stripe map and every volume's VSAMap.
type Mapper struct {
	store     metafs.Store
	sched     *scheduler.Scheduler
	geo       blkaddr.Geometry
	mpageSize int64
	pool      containers.SlicePool[byte]

	mu        sync.RWMutex
	stripeMap *StripeMap
	vsaMaps   map[blkaddr.VolumeID]*VSAMap
}

func New(store metafs.Store, sched *scheduler.Scheduler, geo blkaddr.Geometry, mpageSize int64) (*Mapper, error) {
	if mpageSize <= 0 || mpageSize%8 != 0 {
		return nil, fmt.Errorf("mapper.New: %w: %d", ErrBadMpageSize, mpageSize)
	}
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("mapper.New: %w", err)
	}
	return &Mapper{
		store:     store,
		sched:     sched,
		geo:       geo,
		mpageSize: mpageSize,
		vsaMaps:   make(map[blkaddr.VolumeID]*VSAMap),
	}, nil
}

func (m *Mapper) MpageSize() int64 { return m.mpageSize }

// InitStripeMap loads the stripe map, creating it if there is none
// yet.
func (m *Mapper) InitStripeMap(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "stripemap.map", StripeMapID)
	sm := &StripeMap{
		Map: newMap(StripeMapID, m.store, m.sched, &m.pool, m.mpageSize, blkaddr.UnmapStripeAddr.Pack()),
	}
	if sm.file.DoesFileExist() {
		dlog.Debug(ctx, "loading")
		if err := sm.LoadSync(ctx); err != nil {
			return err
		}
		if sm.NumEntries() != uint64(m.geo.NumUserStripes()) {
			return &MapIOError{Map: StripeMapID, Op: "load", Err: fmt.Errorf("%w: %d entries, geometry has %d stripes",
				ErrBadHeader, sm.NumEntries(), m.geo.NumUserStripes())}
		}
	} else {
		dlog.Debug(ctx, "creating")
		if err := sm.create(uint64(m.geo.NumUserStripes())); err != nil {
			return err
		}
	}
	dlog.Debugf(ctx, "%d of %d pages allocated", sm.NumAllocatedPages(), sm.NumPages())
	m.mu.Lock()
	m.stripeMap = sm
	m.mu.Unlock()
	return nil
}

func (m *Mapper) StripeMap() *StripeMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stripeMap
}

func (m *Mapper) newVSAMap(vol blkaddr.VolumeID) *VSAMap {
	return &VSAMap{
		Map: newMap(VolumeMapID(vol), m.store, m.sched, &m.pool, m.mpageSize, blkaddr.UnmapVSA.Pack()),
		vol: vol,
	}
}

// CreateVSAMap creates an empty block map for a volume of numBlks
// blocks.
func (m *Mapper) CreateVSAMap(ctx context.Context, vol blkaddr.VolumeID, numBlks uint64) error {
	if vol >= blkaddr.MaxVolumes {
		return fmt.Errorf("mapper.CreateVSAMap(%d): volume id out of range", vol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vsaMaps[vol]; ok {
		return fmt.Errorf("mapper.CreateVSAMap(%d): %w", vol, ErrVolumeExists)
	}
	vm := m.newVSAMap(vol)
	if err := vm.create(numBlks); err != nil {
		return err
	}
	dlog.Debugf(dlog.WithField(ctx, "stripemap.volume", vol), "created block map for %d blocks", numBlks)
	m.vsaMaps[vol] = vm
	return nil
}

// LoadVSAMap loads a volume's block map from its metadata file.
func (m *Mapper) LoadVSAMap(ctx context.Context, vol blkaddr.VolumeID) error {
	m.mu.Lock()
	if _, ok := m.vsaMaps[vol]; ok {
		m.mu.Unlock()
		return fmt.Errorf("mapper.LoadVSAMap(%d): %w", vol, ErrVolumeExists)
	}
	m.mu.Unlock()

	vm := m.newVSAMap(vol)
	ctx = dlog.WithField(ctx, "stripemap.volume", vol)
	if err := vm.LoadSync(ctx); err != nil {
		return err
	}
	dlog.Debugf(ctx, "loaded block map: %d of %d pages allocated", vm.NumAllocatedPages(), vm.NumPages())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vsaMaps[vol]; ok {
		_ = vm.close()
		return fmt.Errorf("mapper.LoadVSAMap(%d): %w", vol, ErrVolumeExists)
	}
	m.vsaMaps[vol] = vm
	return nil
}

// VSAMapExists reports whether vol has a persisted block map.
func (m *Mapper) VSAMapExists(vol blkaddr.VolumeID) bool {
	return metafs.NewMetaFile(m.store, VolumeMapID(vol).FileName(), m.sched).DoesFileExist()
}

// DeleteVSAMap drops a volume's block map and removes its file.
func (m *Mapper) DeleteVSAMap(vol blkaddr.VolumeID) error {
	m.mu.Lock()
	vm, ok := m.vsaMaps[vol]
	delete(m.vsaMaps, vol)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mapper.DeleteVSAMap(%d): %w", vol, ErrNoSuchVolume)
	}
	return vm.file.Delete()
}

func (m *Mapper) GetVSAMap(vol blkaddr.VolumeID) (*VSAMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vsaMaps[vol]
	if !ok {
		return nil, fmt.Errorf("volume %d: %w", vol, ErrNoSuchVolume)
	}
	return vm, nil
}

// Volumes returns the IDs of every volume with a block map, sorted.
func (m *Mapper) Volumes() []blkaddr.VolumeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := maps.Keys(m.vsaMaps)
	slices.Sort(ret)
	return ret
}

// GetMap returns the untyped map for id.
func (m *Mapper) GetMap(id MapID) (*Map, error) {
	if id == StripeMapID {
		sm := m.StripeMap()
		if sm == nil {
			return nil, fmt.Errorf("stripe map is not initialized")
		}
		return sm.Map, nil
	}
	vm, err := m.GetVSAMap(blkaddr.VolumeID(id))
	if err != nil {
		return nil, err
	}
	return vm.Map, nil
}

func (m *Mapper) FlushDirtyPagesGiven(id MapID, pages []PageNum, cb func(error)) error {
	mp, err := m.GetMap(id)
	if err != nil {
		return err
	}
	return mp.FlushDirtyPagesGiven(pages, cb)
}

func (m *Mapper) allMaps() []*Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []*Map
	if m.stripeMap != nil {
		ret = append(ret, m.stripeMap.Map)
	}
	for _, vol := range maps.Keys(m.vsaMaps) {
		ret = append(ret, m.vsaMaps[vol].Map)
	}
	return ret
}

// FlushAll flushes every touched page of every map, and waits for
// the flushes.  It must not be called from a scheduler worker.
func (m *Mapper) FlushAll(ctx context.Context) error {
	all := m.allMaps()
	var wg sync.WaitGroup
	errs := make([]error, len(all))
	for i, mp := range all {
		i, mp := i, mp
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = mp.FlushAllSync(dlog.WithField(ctx, "stripemap.map", mp.ID()))
		}()
	}
	wg.Wait()
	var multi derror.MultiError
	for _, err := range errs {
		if err != nil {
			multi = append(multi, err)
		}
	}
	if multi != nil {
		return multi
	}
	return nil
}

// Close closes every map file.  It does not flush.
func (m *Mapper) Close() error {
	var errs derror.MultiError
	for _, mp := range m.allMaps() {
		if err := mp.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

type vsaMapDumpEntry struct {
	RBA blkaddr.RBA `json:"rba"`
	VSA blkaddr.VSA `json:"vsa"`
}

type stripeMapDumpEntry struct {
	VSID blkaddr.StripeID   `json:"vsid"`
	Addr blkaddr.StripeAddr `json:"addr"`
}

// Dump writes every mapped entry of map id to w as a JSON array.
func (m *Mapper) Dump(w io.Writer, id MapID) error {
	var out any
	if id == StripeMapID {
		sm := m.StripeMap()
		if sm == nil {
			return fmt.Errorf("stripe map is not initialized")
		}
		entries := []stripeMapDumpEntry{}
		_ = sm.ForEach(func(vsid blkaddr.StripeID, addr blkaddr.StripeAddr) error {
			entries = append(entries, stripeMapDumpEntry{VSID: vsid, Addr: addr})
			return nil
		})
		out = entries
	} else {
		vm, err := m.GetVSAMap(blkaddr.VolumeID(id))
		if err != nil {
			return err
		}
		entries := []vsaMapDumpEntry{}
		_ = vm.ForEach(func(rba blkaddr.RBA, vsa blkaddr.VSA) error {
			entries = append(entries, vsaMapDumpEntry{RBA: rba, VSA: vsa})
			return nil
		})
		out = entries
	}
	return lowmemjson.NewEncoder(w).Encode(out)
}
