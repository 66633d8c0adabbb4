// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbaguard serializes writers to the same logical blocks.  A
// writer must own every RBA it is about to write; ownership is taken
// per block with compare-and-set, and all-or-nothing per request.
package rbaguard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

var (
	ErrRBAOwned     = errors.New("rba is owned by another writer")
	ErrNoSuchVolume = errors.New("no such volume")
	ErrOutOfRange   = errors.New("rba range is out of the volume")
	ErrVolumeExists = errors.New("volume already exists")
)

type Guard struct {
	mu   sync.RWMutex
	vols map[blkaddr.VolumeID][]atomic.Bool
}

func New() *Guard {
	return &Guard{
		vols: make(map[blkaddr.VolumeID][]atomic.Bool),
	}
}

func (g *Guard) CreateVolume(vol blkaddr.VolumeID, numBlks uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.vols[vol]; ok {
		return fmt.Errorf("rbaguard: volume %d: %w", vol, ErrVolumeExists)
	}
	g.vols[vol] = make([]atomic.Bool, numBlks)
	return nil
}

func (g *Guard) DeleteVolume(vol blkaddr.VolumeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.vols[vol]; !ok {
		return fmt.Errorf("rbaguard: volume %d: %w", vol, ErrNoSuchVolume)
	}
	delete(g.vols, vol)
	return nil
}

func (g *Guard) flags(vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) ([]atomic.Bool, error) {
	g.mu.RLock()
	flags, ok := g.vols[vol]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rbaguard: volume %d: %w", vol, ErrNoSuchVolume)
	}
	if uint64(rba)+uint64(n) > uint64(len(flags)) {
		return nil, fmt.Errorf("rbaguard: volume %d: [%v, +%d): %w", vol, rba, n, ErrOutOfRange)
	}
	return flags[rba : uint64(rba)+uint64(n)], nil
}

// BulkAcquire takes ownership of n blocks starting at rba.  If any of
// them is already owned, the blocks taken so far are released and
// ErrRBAOwned is returned.
func (g *Guard) BulkAcquire(vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) error {
	flags, err := g.flags(vol, rba, n)
	if err != nil {
		return err
	}
	for i := range flags {
		if !flags[i].CompareAndSwap(false, true) {
			for j := 0; j < i; j++ {
				flags[j].Store(false)
			}
			return fmt.Errorf("rbaguard: volume %d: %v: %w", vol, rba.Add(uint64(i)), ErrRBAOwned)
		}
	}
	return nil
}

func (g *Guard) Release(vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) error {
	flags, err := g.flags(vol, rba, n)
	if err != nil {
		return err
	}
	for i := range flags {
		flags[i].Store(false)
	}
	return nil
}

// IsOwned reports whether any block in the range is owned.
func (g *Guard) IsOwned(vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) bool {
	flags, err := g.flags(vol, rba, n)
	if err != nil {
		return false
	}
	for i := range flags {
		if flags[i].Load() {
			return true
		}
	}
	return false
}
