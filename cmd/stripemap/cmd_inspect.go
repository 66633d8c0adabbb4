// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

func init() {
	onlineCommands = append(onlineCommands, onlineCommand{
		Command: cobra.Command{
			Use:   "stats",
			Short: "Print the allocator, journal, and volume statistics as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(array *arrayio.Array, _ *cobra.Command, _ []string) error {
			return writeJSON(os.Stdout, array.Stats())
		},
	})

	onlineCommands = append(onlineCommands, onlineCommand{
		Command: cobra.Command{
			Use:   "dump-map {stripemap|VOLUME}",
			Short: "Print every mapped entry of a map as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(array *arrayio.Array, _ *cobra.Command, args []string) (err error) {
			id := mapper.StripeMapID
			if args[0] != "stripemap" {
				vol, err := parseVolume(args[0])
				if err != nil {
					return err
				}
				id = mapper.VolumeMapID(vol)
			}
			buffer := bufio.NewWriter(os.Stdout)
			defer func() {
				if _err := buffer.Flush(); err == nil && _err != nil {
					err = _err
				}
			}()
			return array.Mapper().Dump(buffer, id)
		},
	})

	onlineCommands = append(onlineCommands, onlineCommand{
		Command: cobra.Command{
			Use:   "recover",
			Short: "Mount the array, replaying its journal, and unmount it cleanly",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, _ []string) error {
			plan := array.LastReplay()
			flushed := 0
			for _, st := range plan.Stripes {
				if st.Flushed {
					flushed++
				}
			}
			textui.Fprintf(os.Stdout, "replayed %d records (%d events) over %d stripes; %d flushes completed by the log\n",
				plan.NumRecords, len(plan.Events), len(plan.Stripes), flushed)
			for _, vol := range plan.DeletedVolumes {
				textui.Fprintf(os.Stdout, "finished deleting volume %d\n", vol)
			}
			dlog.Debugf(cmd.Context(), "last sequence number %d", plan.LastSeq)
			return nil
		},
	})
}

func init() {
	var spewFlag bool
	cmd := offlineCommand{
		Command: cobra.Command{
			Use:   "inspect-log",
			Short: "Print the records in the journal, without replaying them",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(e env, cmd *cobra.Command, _ []string) error {
			recs, plan, err := arrayio.InspectLog(cmd.Context(), e.Store, e.Sched)
			if err != nil {
				return err
			}
			if spewFlag {
				spew := spew.NewDefaultConfig()
				spew.DisablePointerAddresses = true
				spew.Dump(recs)
				return nil
			}
			for _, rec := range recs {
				textui.Fprintf(os.Stdout, "%d\t%v\t%s\n", rec.Seq, rec.Log.Type(), describeLog(rec.Log))
			}
			textui.Fprintf(os.Stdout, "%d records; the next mount replays %d events over %d stripes\n",
				len(recs), len(plan.Events), len(plan.Stripes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&spewFlag, "spew", false, "dump the records with go-spew")
	offlineCommands = append(offlineCommands, cmd)
}

func describeLog(log journal.Log) string {
	switch log := log.(type) {
	case *journal.BlockWriteDoneLog:
		return textui.Sprintf("volume=%d rba=%v n=%d vsa=%v wb=%d",
			log.Vol, log.StartRBA, log.NumBlks, log.StartVSA, log.WbLsid)
	case *journal.StripeMapUpdatedLog:
		return textui.Sprintf("vsid=%v %v -> %v", log.VSID, log.OldAddr, log.NewAddr)
	case *journal.GcStripeFlushedLog:
		var b strings.Builder
		textui.Fprintf(&b, "vsid=%v volume=%d blocks=%d", log.VSID, log.Vol, len(log.Blocks))
		return b.String()
	case *journal.VolumeDeletedLog:
		return textui.Sprintf("volume=%d version=%d", log.Vol, log.ContextVersion)
	default:
		return textui.Sprintf("%v", log)
	}
}
