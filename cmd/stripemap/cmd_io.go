// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

// readBlocks reads all of r, zero-padded to a whole number of
// blocks.
func readBlocks(r io.Reader, blockSize int) ([]byte, error) {
	dat, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if rem := len(dat) % blockSize; rem != 0 {
		dat = append(dat, make([]byte, blockSize-rem)...)
	}
	return dat, nil
}

func init() {
	var inputFlag string
	var fillFlag uint8
	var blocksFlag uint32
	write := onlineCommand{
		Command: cobra.Command{
			Use:   "write VOLUME RBA",
			Short: "Write blocks to a volume",
			Long: "" +
				"Write the content of --input (zero-padded to whole blocks) " +
				"to VOLUME starting at block RBA; or, without --input, write " +
				"--blocks blocks of the byte --fill.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vol, err := parseVolume(args[0])
			if err != nil {
				return err
			}
			rba, err := parseUint[blkaddr.RBA]("rba", args[1])
			if err != nil {
				return err
			}
			blockSize := int(array.Geometry().BlockSize)
			var dat []byte
			if inputFlag != "" {
				fh, err := openInput(inputFlag)
				if err != nil {
					return err
				}
				dat, err = readBlocks(fh, blockSize)
				_ = fh.Close()
				if err != nil {
					return err
				}
			} else {
				if blocksFlag == 0 {
					return errors.New("need --input or --blocks")
				}
				dat = bytes.Repeat([]byte{fillFlag}, int(blocksFlag)*blockSize)
			}
			if err := array.WriteSync(ctx, vol, rba, dat); err != nil {
				return err
			}
			dlog.Infof(ctx, "wrote %v to volume %d at rba %v",
				textui.IEC(len(dat), "B"), vol, rba)
			return nil
		},
	}
	write.Flags().StringVar(&inputFlag, "input", "", "read the data from `file` (\"-\" for stdin)")
	if err := write.MarkFlagFilename("input"); err != nil {
		panic(err)
	}
	write.Flags().Uint8Var(&fillFlag, "fill", 0, "without --input, fill the blocks with `byte`")
	write.Flags().Uint32Var(&blocksFlag, "blocks", 0, "without --input, write `N` blocks")
	onlineCommands = append(onlineCommands, write)
}

func init() {
	var outputFlag string
	read := onlineCommand{
		Command: cobra.Command{
			Use:   "read VOLUME RBA NUM_BLOCKS",
			Short: "Read blocks from a volume",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(array *arrayio.Array, cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			vol, err := parseVolume(args[0])
			if err != nil {
				return err
			}
			rba, err := parseUint[blkaddr.RBA]("rba", args[1])
			if err != nil {
				return err
			}
			n, err := parseUint[uint32]("block count", args[2])
			if err != nil {
				return err
			}
			dat, err := array.Read(ctx, vol, rba, n)
			if err != nil {
				return err
			}
			out := os.Stdout
			if outputFlag != "" && outputFlag != "-" {
				out, err = os.Create(outputFlag)
				if err != nil {
					return err
				}
				defer func() {
					if _err := out.Close(); _err != nil && err == nil {
						err = _err
					}
				}()
			}
			_, err = out.Write(dat)
			return err
		},
	}
	read.Flags().StringVar(&outputFlag, "output", "-", "write the data to `file` (\"-\" for stdout)")
	if err := read.MarkFlagFilename("output"); err != nil {
		panic(err)
	}
	onlineCommands = append(onlineCommands, read)
}
