// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

func writeJSON(w io.Writer, obj any) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})).Encode(obj)
}

func parseUint[T ~uint32 | ~uint64](what, str string) (T, error) {
	n, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, str, err)
	}
	if uint64(T(n)) != n {
		return 0, fmt.Errorf("invalid %s %q: out of range", what, str)
	}
	return T(n), nil
}

func parseVolume(str string) (blkaddr.VolumeID, error) {
	vol, err := parseUint[blkaddr.VolumeID]("volume", str)
	if err != nil {
		return 0, err
	}
	if vol >= blkaddr.MaxVolumes {
		return 0, fmt.Errorf("invalid volume %d: must be less than %d", vol, blkaddr.MaxVolumes)
	}
	return vol, nil
}

// openInput opens filename for reading, with "-" meaning stdin.
func openInput(filename string) (io.ReadCloser, error) {
	if filename == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(filename)
}
