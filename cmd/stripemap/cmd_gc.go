// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/allocator"
	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

func init() {
	var segmentFlag int64
	var passesFlag int
	cmd := onlineCommand{
		Command: cobra.Command{
			Use:   "gc",
			Short: "Reclaim user-area segments",
			Long: "" +
				"Move the live blocks out of the segment with the fewest " +
				"of them, and free it.  With --segment, collect that " +
				"segment instead.",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if segmentFlag >= 0 {
				_, err := array.CollectSegment(ctx, blkaddr.SegmentID(segmentFlag))
				return err
			}
			for i := 0; i < passesFlag; i++ {
				seg, moved, err := array.CollectGarbage(ctx)
				if errors.Is(err, allocator.ErrNoVictim) {
					dlog.Infof(ctx, "nothing to collect")
					return nil
				}
				if err != nil {
					return err
				}
				dlog.Infof(ctx, "pass %d: segment %d: moved %d blocks", i+1, seg, moved)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&segmentFlag, "segment", -1, "collect segment `N`")
	cmd.Flags().IntVar(&passesFlag, "passes", 1, "collect up to `N` segments")
	onlineCommands = append(onlineCommands, cmd)
}
