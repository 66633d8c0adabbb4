// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"
	"github.com/tchajed/goose/machine/disk"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

func demoConfig() arrayio.Config {
	return arrayio.Config{
		Geometry: blkaddr.Geometry{
			BlockSize:         blkaddr.DefaultBlockSize,
			BlksPerStripe:     8,
			StripesPerSegment: 4,
			NumUserSegments:   96,
			NumWbStripes:      8,
		},
		NumMembers: 2,
		MpageSize:  4096,
		Journal: journal.Config{
			LogBufferSize: 64 << 10,
		},
		Volumes: []arrayio.VolumeConfig{
			{ID: 0, NumBlks: 2048},
		},
	}
}

func demoBlock(rba blkaddr.RBA, gen byte) []byte {
	buf := bytes.Repeat([]byte{byte(rba) ^ gen}, blkaddr.DefaultBlockSize)
	buf[0] = gen
	return buf
}

// runDemo writes blocks sequentially to an in-memory array, crashes
// it, recovers it, overwrites part of it, and garbage-collects the
// overwritten segment, checking the volume's content after each
// step.
func runDemo(ctx context.Context, sched *scheduler.Scheduler, numBlks int) error {
	store := metafs.NewDiskStore(disk.NewMemDisk(8192))
	if err := arrayio.Format(ctx, demoConfig(), store, sched); err != nil {
		return err
	}
	expect := make([]byte, 0, numBlks*blkaddr.DefaultBlockSize)
	verify := func(array *arrayio.Array, step string) error {
		got, err := array.Read(ctx, 0, 0, uint32(numBlks))
		if err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		if !bytes.Equal(expect, got) {
			return fmt.Errorf("%s: volume content does not match what was written", step)
		}
		dlog.Infof(ctx, "%s: %d blocks verified", step, numBlks)
		return nil
	}

	array, err := arrayio.Open(ctx, store, sched)
	if err != nil {
		return err
	}
	for i := 0; i < numBlks; i++ {
		rba := blkaddr.RBA(i)
		dat := demoBlock(rba, 1)
		if err := array.WriteSync(ctx, 0, rba, dat); err != nil {
			return err
		}
		expect = append(expect, dat...)
	}
	if err := verify(array, "write"); err != nil {
		return err
	}

	if err := array.Abandon(ctx); err != nil {
		return err
	}
	if array, err = arrayio.Open(ctx, store, sched); err != nil {
		return err
	}
	if err := verify(array, "recover"); err != nil {
		return err
	}

	// Overwrite all but the last block of each segment's worth, so
	// that the old segments hold little live data.
	perSeg := int(demoConfig().Geometry.BlksPerStripe * demoConfig().Geometry.StripesPerSegment)
	for i := 0; i < numBlks; i++ {
		if i%perSeg == perSeg-1 {
			continue
		}
		rba := blkaddr.RBA(i)
		dat := demoBlock(rba, 2)
		if err := array.WriteSync(ctx, 0, rba, dat); err != nil {
			return err
		}
		copy(expect[i*blkaddr.DefaultBlockSize:], dat)
	}
	if err := array.Sync(ctx); err != nil {
		return err
	}
	seg, moved, err := array.CollectGarbage(ctx)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "gc: segment %d: moved %d blocks", seg, moved)
	if err := verify(array, "gc"); err != nil {
		return err
	}

	if err := array.Unmount(ctx); err != nil {
		return err
	}
	if array, err = arrayio.Open(ctx, store, sched); err != nil {
		return err
	}
	if err := verify(array, "remount"); err != nil {
		return err
	}
	return array.Unmount(ctx)
}

func init() {
	var blocksFlag int
	cmd := offlineCommand{
		Command: cobra.Command{
			Use:   "demo",
			Short: "Exercise an in-memory array: write, crash, recover, gc",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),

			Annotations: map[string]string{
				"store": "none",
			},
		},
		RunE: func(e env, cmd *cobra.Command, _ []string) error {
			if blocksFlag < 1 || blocksFlag > int(demoConfig().Volumes[0].NumBlks) {
				return fmt.Errorf("--blocks=%d: must be in [1, %d]", blocksFlag, demoConfig().Volumes[0].NumBlks)
			}
			return runDemo(cmd.Context(), e.Sched, blocksFlag)
		},
	}
	cmd.Flags().IntVar(&blocksFlag, "blocks", 1000, "write `N` blocks")
	offlineCommands = append(offlineCommands, cmd)
}
