// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"errors"
	"fmt"
)

var (
	ErrFlushInProgress = errors.New("a flush is already in progress")
	ErrLoadInProgress  = errors.New("a load is already in progress")
	ErrMapInError      = errors.New("map is in the error state")
	ErrEntryOutOfRange = errors.New("entry index out of range")
	ErrBadHeader       = errors.New("bad map header")
	ErrNoSuchVolume    = errors.New("no such volume")
	ErrVolumeExists    = errors.New("volume already exists")
	ErrBadMpageSize    = errors.New("mpage size must be a positive multiple of 8")
)

// MapIOError reports a failed load or flush of a map.
type MapIOError struct {
	Map MapID
	Op  string
	Err error
}

func (e *MapIOError) Error() string {
	return fmt.Sprintf("map %v: %s: %v", e.Map, e.Op, e.Err)
}

func (e *MapIOError) Unwrap() error { return e.Err }
