// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"fmt"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// MapID names a map: the volume ID for a VSAMap, or StripeMapID.
type MapID int32

const StripeMapID MapID = blkaddr.MaxVolumes

func VolumeMapID(vol blkaddr.VolumeID) MapID { return MapID(vol) }

func (id MapID) String() string {
	if id == StripeMapID {
		return "stripemap"
	}
	return fmt.Sprintf("vsamap.%d", int32(id))
}

// FileName is the name of the metadata file that persists the map.
func (id MapID) FileName() string {
	return id.String() + ".bin"
}

type PageNum uint32

// MapState is the load/flush state of a map.
type MapState uint32

const (
	StateIdle MapState = iota
	StateLoadingHeader
	StateLoadingMpages
	StateLoadingDone
	StateFlushingStarted
	StateFlushingMpages
	StateFlushingHeader
	StateFlushingDone
	StateError
)

func (s MapState) String() string {
	names := [...]string{
		StateIdle:            "idle",
		StateLoadingHeader:   "loading-header",
		StateLoadingMpages:   "loading-mpages",
		StateLoadingDone:     "loading-done",
		StateFlushingStarted: "flushing-started",
		StateFlushingMpages:  "flushing-mpages",
		StateFlushingHeader:  "flushing-header",
		StateFlushingDone:    "flushing-done",
		StateError:           "error",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("MapState(%d)", uint32(s))
}

// isQuiescent returns whether a new load or flush may start.
func (s MapState) isQuiescent() bool {
	return s == StateIdle || s == StateLoadingDone || s == StateFlushingDone
}
