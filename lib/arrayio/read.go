// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"
	"fmt"

	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
)

// Read reads n blocks of vol at rba.  Blocks that were never written
// read as zeros.  It must not be called from a scheduler worker.
func (a *Array) Read(ctx context.Context, vol blkaddr.VolumeID, rba blkaddr.RBA, n uint32) ([]byte, error) {
	blockSize := int(a.cfg.Geometry.BlockSize)
	vm, _, err := a.checkRange(vol, rba, int(n)*blockSize)
	if err != nil {
		return nil, err
	}
	vsas, err := vm.GetEntries(rba, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, int(n)*blockSize)
	sm := a.maps.StripeMap()
	for i := 0; i < len(vsas); {
		if vsas[i].IsUnmapped() {
			i++
			continue
		}
		// extend the run while the VSAs stay contiguous in one
		// stripe
		j := i + 1
		for j < len(vsas) && vsas[j] == vsas[i].Add(uint32(j-i)) {
			j++
		}
		addr, err := sm.GetEntry(vsas[i].StripeID)
		if err != nil {
			return nil, err
		}
		part := arraydev.PartitionUserData
		switch {
		case addr.IsUnmapped():
			return nil, fmt.Errorf("volume %d rba %v: %v is in an unmapped stripe",
				vol, rba.Add(uint64(i)), vsas[i])
		case addr.Loc == blkaddr.InWriteBufferArea:
			part = arraydev.PartitionWriteBuffer
		}
		if err := a.dev.SyncIO(ctx, metafs.DirRead, [][]byte{out[i*blockSize : j*blockSize]},
			arraydev.LSA{StripeID: addr.ID, Offset: vsas[i].Offset}, uint32(j-i), part); err != nil {
			return nil, err
		}
		i = j
	}
	return out, nil
}
