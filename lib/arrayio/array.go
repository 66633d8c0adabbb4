// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arrayio ties the allocator, the mapper, the journal, and
// the member devices together into an array that volumes can be
// written to and read from.
//
// Writes land in write-buffer stripes.  A stripe that has been fully
// handed out, and whose writers have all been logged, is flushed: its
// data is copied to the user-area stripe of the same VSID, the stripe
// map is repointed, and the write-buffer stripe is freed.
package arrayio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/allocator"
	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/rbaguard"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

var (
	ErrNotMounted     = errors.New("array is not mounted")
	ErrAlreadyMounted = errors.New("array is already mounted")
	ErrBadRequest     = errors.New("bad i/o request")
)

// Array is one mounted array.  It does not own the scheduler: the
// caller starts it before Mount and stops it after Unmount.
type Array struct {
	cfg   Config
	store metafs.Store
	sched *scheduler.Scheduler
	pool  containers.SlicePool[byte]

	dev     *arraydev.Device
	maps    *mapper.Mapper
	revMaps *stripe.RevMapStore
	alloc   *allocator.Allocator
	jrnl    *journal.Journal
	factory *journal.LogWriteContextFactory
	guard   *rbaguard.Guard

	mounted    atomic.Bool
	volVersion atomic.Uint64
	gcMu       sync.Mutex
	lastReplay *journal.Plan

	errMu     sync.Mutex
	flushErrs derror.MultiError
}

// New assembles an array over store.  It does no I/O; see Mount.
func New(cfg Config, store metafs.Store, sched *scheduler.Scheduler) (*Array, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	a := &Array{
		cfg:   cfg,
		store: store,
		sched: sched,
		guard: rbaguard.New(),
	}
	a.maps, err = mapper.New(store, sched, cfg.Geometry, cfg.MpageSize)
	if err != nil {
		return nil, err
	}
	a.revMaps = stripe.NewRevMapStore(metafs.NewMetaFile(store, stripe.RevMapFileName, sched), cfg.Geometry)
	a.jrnl, err = journal.New(store, sched, a.maps, cfg.Journal, cfg.MpageSize)
	if err != nil {
		return nil, err
	}
	a.factory = journal.NewLogWriteContextFactory(a.maps)
	return a, nil
}

// Format writes a fresh array to store: the configuration, empty
// maps for every configured volume, and an empty journal.
func Format(ctx context.Context, cfg Config, store metafs.Store, sched *scheduler.Scheduler) error {
	cfg, err := cfg.Normalize()
	if err != nil {
		return err
	}
	if _, err := LoadConfig(store); err == nil {
		return fmt.Errorf("format: %w: array is already formatted", metafs.ErrExist)
	}
	a, err := New(cfg, store, sched)
	if err != nil {
		return err
	}
	if err := a.Mount(ctx); err != nil {
		return err
	}
	for _, vol := range cfg.Volumes {
		if err := a.CreateVolume(ctx, vol.ID, vol.NumBlks); err != nil {
			_ = a.Unmount(ctx)
			return err
		}
	}
	if err := a.Unmount(ctx); err != nil {
		return err
	}
	dlog.Infof(ctx, "formatted array: %d user stripes of %d blocks, %d write-buffer stripes, %d volumes",
		cfg.Geometry.NumUserStripes(), cfg.Geometry.BlksPerStripe, cfg.Geometry.NumWbStripes, len(cfg.Volumes))
	return SaveConfig(store, cfg)
}

// Open reads the configuration from store and mounts the array.
func Open(ctx context.Context, store metafs.Store, sched *scheduler.Scheduler) (*Array, error) {
	cfg, err := LoadConfig(store)
	if err != nil {
		return nil, err
	}
	a, err := New(cfg, store, sched)
	if err != nil {
		return nil, err
	}
	if err := a.Mount(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Array) Config() Config                  { return a.cfg }
func (a *Array) Geometry() blkaddr.Geometry      { return a.cfg.Geometry }
func (a *Array) Mapper() *mapper.Mapper          { return a.maps }
func (a *Array) Allocator() *allocator.Allocator { return a.alloc }
func (a *Array) Journal() *journal.Journal       { return a.jrnl }
func (a *Array) IsMounted() bool                 { return a.mounted.Load() }

// LastReplay returns the plan that Mount replayed.
func (a *Array) LastReplay() *journal.Plan { return a.lastReplay }

func (a *Array) recordFlushError(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	a.flushErrs = append(a.flushErrs, err)
}

// FlushErrors returns the errors of every failed stripe flush since
// Mount.
func (a *Array) FlushErrors() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if len(a.flushErrs) == 0 {
		return nil
	}
	return append(derror.MultiError(nil), a.flushErrs...)
}

// Sync waits until no write, flush, or checkpoint is in flight.  It
// must not be called from a scheduler worker.
func (a *Array) Sync(ctx context.Context) error {
	if err := a.sched.WaitIdle(ctx); err != nil {
		return err
	}
	return a.FlushErrors()
}

// CreateVolume creates an empty volume of numBlks blocks.
func (a *Array) CreateVolume(ctx context.Context, vol blkaddr.VolumeID, numBlks uint64) error {
	if !a.IsMounted() {
		return ErrNotMounted
	}
	if err := a.maps.CreateVSAMap(ctx, vol, numBlks); err != nil {
		return err
	}
	return a.guard.CreateVolume(vol, numBlks)
}

// DeleteVolume logs the deletion of vol, and then drops its block
// map.  Its blocks become garbage.  The caller must not have I/O to
// vol in flight.
func (a *Array) DeleteVolume(ctx context.Context, vol blkaddr.VolumeID) error {
	if !a.IsMounted() {
		return ErrNotMounted
	}
	vm, err := a.maps.GetVSAMap(vol)
	if err != nil {
		return err
	}
	ctx = dlog.WithField(ctx, "stripemap.volume", vol)
	lwc := a.factory.CreateVolumeDeletedLogWriteContext(vol, a.volVersion.Add(1), nil)
	if err := a.addLogSync(ctx, lwc); err != nil {
		return err
	}
	if s := a.alloc.CloseActiveStripe(vol); s != nil && s.TakeForFlush() {
		a.submitFlush(ctx, s)
	}
	if err := vm.ForEach(func(_ blkaddr.RBA, vsa blkaddr.VSA) error {
		return a.alloc.InvalidateBlks(blkaddr.VirtualBlks{Start: vsa, NumBlks: 1})
	}); err != nil {
		dlog.Errorf(ctx, "recounting valid blocks: %v", err)
	}
	if err := a.maps.DeleteVSAMap(vol); err != nil {
		return err
	}
	dlog.Infof(ctx, "deleted volume")
	return a.guard.DeleteVolume(vol)
}

// addLog adds lwc to the journal, retrying for as long as the log
// buffer is full.  lwc.Callback is always called.
func (a *Array) addLog(lwc *journal.LogWriteContext) {
	err := a.jrnl.AddLog(lwc)
	if err == nil {
		return
	}
	if !errors.Is(err, journal.ErrLogBufferFull) {
		a.sched.Complete(lwc.Callback, err)
		return
	}
	a.sched.EnqueueEvent(scheduler.EventFunc(func(ctx context.Context) bool {
		err := a.jrnl.AddLog(lwc)
		switch {
		case err == nil:
			return true
		case errors.Is(err, journal.ErrLogBufferFull):
			return false
		default:
			lwc.Callback(err)
			return true
		}
	}))
}

// addLogSync is addLog that waits for the record to be durable.  It
// must not be called from a scheduler worker.
func (a *Array) addLogSync(ctx context.Context, lwc *journal.LogWriteContext) error {
	return scheduler.Wait(ctx, func(done func(error)) {
		lwc.Callback = done
		a.addLog(lwc)
	})
}

type VolumeStats struct {
	ID        blkaddr.VolumeID `json:"id"`
	NumBlks   uint64           `json:"num_blks"`
	Allocated mapper.PageNum   `json:"allocated_pages"`
}

type Stats struct {
	Allocator allocator.Stats `json:"allocator"`
	Journal   journal.Stats   `json:"journal"`
	Volumes   []VolumeStats   `json:"volumes"`
}

func (a *Array) Stats() Stats {
	ret := Stats{
		Allocator: a.alloc.Stats(),
		Journal:   a.jrnl.Stats(),
	}
	for _, vol := range a.maps.Volumes() {
		vm, err := a.maps.GetVSAMap(vol)
		if err != nil {
			continue
		}
		ret.Volumes = append(ret.Volumes, VolumeStats{
			ID:        vol,
			NumBlks:   vm.NumBlks(),
			Allocated: vm.NumAllocatedPages(),
		})
	}
	return ret
}
