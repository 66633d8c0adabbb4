// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
)

func init() {
	onlineCommands = append(onlineCommands, onlineCommand{
		Command: cobra.Command{
			Use:   "create-volume VOLUME NUM_BLOCKS",
			Short: "Create an empty volume",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, args []string) error {
			vol, err := parseVolume(args[0])
			if err != nil {
				return err
			}
			n, err := parseUint[uint64]("block count", args[1])
			if err != nil {
				return err
			}
			return array.CreateVolume(cmd.Context(), vol, n)
		},
	})
	onlineCommands = append(onlineCommands, onlineCommand{
		Command: cobra.Command{
			Use:   "delete-volume VOLUME",
			Short: "Delete a volume; its blocks become garbage",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, args []string) error {
			vol, err := parseVolume(args[0])
			if err != nil {
				return err
			}
			return array.DeleteVolume(cmd.Context(), vol)
		},
	})
}
