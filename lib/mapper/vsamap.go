// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// VSAMap is a volume's block map: RBA -> VSA.
type VSAMap struct {
	*Map
	vol blkaddr.VolumeID
}

func (vm *VSAMap) Volume() blkaddr.VolumeID { return vm.vol }
func (vm *VSAMap) NumBlks() uint64          { return vm.NumEntries() }

// GetEntry returns UnmapVSA for a block that was never written; it
// does not allocate a page.
func (vm *VSAMap) GetEntry(rba blkaddr.RBA) (blkaddr.VSA, error) {
	val, err := vm.content.getEntry(uint64(rba))
	if err != nil {
		return blkaddr.UnmapVSA, err
	}
	return blkaddr.UnpackVSA(val), nil
}

func (vm *VSAMap) SetEntry(rba blkaddr.RBA, vsa blkaddr.VSA) error {
	return vm.content.setEntry(uint64(rba), vsa.Pack())
}

func (vm *VSAMap) GetEntries(rba blkaddr.RBA, n uint32) ([]blkaddr.VSA, error) {
	ret := make([]blkaddr.VSA, n)
	for i := range ret {
		vsa, err := vm.GetEntry(rba.Add(uint64(i)))
		if err != nil {
			return nil, err
		}
		ret[i] = vsa
	}
	return ret, nil
}

// SetEntries maps blks.NumBlks consecutive RBAs starting at rba onto
// the consecutive VSAs of blks.
func (vm *VSAMap) SetEntries(rba blkaddr.RBA, blks blkaddr.VirtualBlks) error {
	if blks.NumBlks == 0 {
		return nil
	}
	if _, _, err := vm.content.locate(uint64(rba) + uint64(blks.NumBlks) - 1); err != nil {
		return err
	}
	for i := uint32(0); i < blks.NumBlks; i++ {
		if err := vm.SetEntry(rba.Add(uint64(i)), blks.Start.Add(i)); err != nil {
			return err
		}
	}
	return nil
}

// ForEach calls fn for every mapped RBA, in order.
func (vm *VSAMap) ForEach(fn func(rba blkaddr.RBA, vsa blkaddr.VSA) error) error {
	return vm.content.forEach(func(idx, val uint64) error {
		return fn(blkaddr.RBA(idx), blkaddr.UnpackVSA(val))
	})
}
