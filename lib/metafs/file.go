// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metafs is the storage substrate that map and journal
// persistence is expressed against: named files addressed by byte
// offset and length, with no knowledge of the physical layout under
// them.
package metafs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

type File interface {
	Name() string
	Size() int64
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Sync() error
	Close() error
}

var (
	_ io.WriterAt = File(nil)
	_ io.ReaderAt = File(nil)
)

// A Store hands out Files by name.
type Store interface {
	Create(name string, size int64) (File, error)
	Open(name string) (File, error)
	Remove(name string) error
}

type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

var (
	ErrNotExist   = fs.ErrNotExist
	ErrExist      = fs.ErrExist
	ErrFileClosed = errors.New("metadata file is not open")
	ErrOutOfRange = errors.New("i/o past the end of the metadata file")
)

// IOError is returned for a failed I/O against a named file.
type IOError struct {
	File   string
	Dir    Direction
	Offset int64
	Len    int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("metafs: %s %q [%d, +%d): %v", e.Dir, e.File, e.Offset, e.Len, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func checkRange(f File, off int64, n int) error {
	if off < 0 || off+int64(n) > f.Size() {
		return ErrOutOfRange
	}
	return nil
}
