// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package metafs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"
)

// DirStore keeps each file as a regular file in a directory.  With
// Direct set, files are opened O_DIRECT, and every I/O is widened to
// aligned blocks through an aligned bounce buffer.
type DirStore struct {
	Dir    string
	Direct bool
}

var _ Store = DirStore{}

func (s DirStore) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s DirStore) open(name string, flag int) (*os.File, error) {
	if s.Direct {
		return directio.OpenFile(s.path(name), flag, 0o644)
	}
	return os.OpenFile(s.path(name), flag, 0o644)
}

func alignUp(n int64) int64 {
	const blk = int64(directio.BlockSize)
	return (n + blk - 1) / blk * blk
}

// Create implements Store.
func (s DirStore) Create(name string, size int64) (File, error) {
	fh, err := s.open(name, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("metafs.DirStore.Create(%q): %w", name, ErrExist)
		}
		return nil, err
	}
	phys := size
	if s.Direct {
		phys = alignUp(size)
	}
	if err := fh.Truncate(phys); err != nil {
		_ = fh.Close()
		return nil, err
	}
	return &osFile{File: fh, name: name, size: size, direct: s.Direct}, nil
}

// Open implements Store.
func (s DirStore) Open(name string) (File, error) {
	fh, err := s.open(name, os.O_RDWR)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("metafs.DirStore.Open(%q): %w", name, ErrNotExist)
		}
		return nil, err
	}
	fi, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	return &osFile{File: fh, name: name, size: fi.Size(), direct: s.Direct}, nil
}

// Remove implements Store.
func (s DirStore) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("metafs.DirStore.Remove(%q): %w", name, ErrNotExist)
		}
		return err
	}
	return nil
}

type osFile struct {
	*os.File
	name   string
	size   int64
	direct bool

	// serializes read-modify-write cycles of O_DIRECT writes
	rmwMu sync.Mutex
}

func (f *osFile) Name() string { return f.name }
func (f *osFile) Size() int64  { return f.size }

func (f *osFile) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	if !f.direct {
		return f.File.ReadAt(p, off)
	}
	start := off / directio.BlockSize * directio.BlockSize
	end := alignUp(off + int64(len(p)))
	bounce := directio.AlignedBlock(int(end - start))
	if _, err := f.File.ReadAt(bounce, start); err != nil {
		return 0, err
	}
	return copy(p, bounce[off-start:]), nil
}

func (f *osFile) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	if !f.direct {
		return f.File.WriteAt(p, off)
	}
	start := off / directio.BlockSize * directio.BlockSize
	end := alignUp(off + int64(len(p)))
	bounce := directio.AlignedBlock(int(end - start))

	f.rmwMu.Lock()
	defer f.rmwMu.Unlock()
	if start != off || end != off+int64(len(p)) {
		if _, err := f.File.ReadAt(bounce, start); err != nil {
			return 0, err
		}
	}
	copy(bounce[off-start:], p)
	if _, err := f.File.WriteAt(bounce, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *osFile) Sync() error { return f.File.Sync() }
