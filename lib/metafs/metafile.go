// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package metafs

import (
	"errors"
	"fmt"
	"sync"

	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

// AsyncIORequest describes one asynchronous I/O against a MetaFile.
// Callback is invoked exactly once, on a scheduler worker.
type AsyncIORequest struct {
	Dir      Direction
	Offset   int64
	Buf      []byte
	Callback func(error)
}

// MetaFile is a named metadata file bound to a Store and a
// scheduler.  The zero value is not usable; use NewMetaFile.
type MetaFile struct {
	store Store
	name  string
	sched *scheduler.Scheduler

	mu        sync.RWMutex
	file      File
	appendOff int64
}

func NewMetaFile(store Store, name string, sched *scheduler.Scheduler) *MetaFile {
	return &MetaFile{
		store: store,
		name:  name,
		sched: sched,
	}
}

func (m *MetaFile) Name() string { return m.name }

// Create creates the file with the given size and leaves it open.
func (m *MetaFile) Create(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return fmt.Errorf("metafs: create %q: %w", m.name, ErrExist)
	}
	file, err := m.store.Create(m.name, size)
	if err != nil {
		return err
	}
	m.file = file
	m.appendOff = 0
	return nil
}

func (m *MetaFile) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return nil
	}
	file, err := m.store.Open(m.name)
	if err != nil {
		return err
	}
	m.file = file
	m.appendOff = 0
	return nil
}

func (m *MetaFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Delete closes and removes the file.
func (m *MetaFile) Delete() error {
	if err := m.Close(); err != nil {
		return err
	}
	return m.store.Remove(m.name)
}

func (m *MetaFile) IsOpened() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file != nil
}

func (m *MetaFile) DoesFileExist() bool {
	if m.IsOpened() {
		return true
	}
	file, err := m.store.Open(m.name)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

func (m *MetaFile) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file == nil {
		return 0
	}
	return m.file.Size()
}

func (m *MetaFile) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file == nil {
		return &IOError{File: m.name, Dir: DirWrite, Err: ErrFileClosed}
	}
	return m.file.Sync()
}

// IssueIO performs a synchronous read or write of buf at off.
func (m *MetaFile) IssueIO(dir Direction, off int64, buf []byte) error {
	m.mu.RLock()
	file := m.file
	m.mu.RUnlock()
	if file == nil {
		return &IOError{File: m.name, Dir: dir, Offset: off, Len: len(buf), Err: ErrFileClosed}
	}
	var err error
	switch dir {
	case DirRead:
		_, err = file.ReadAt(buf, off)
	case DirWrite:
		_, err = file.WriteAt(buf, off)
	default:
		panic(fmt.Errorf("should not happen: invalid direction %v", dir))
	}
	if err != nil {
		return &IOError{File: m.name, Dir: dir, Offset: off, Len: len(buf), Err: err}
	}
	return nil
}

// AppendIO writes buf after the previous append (or at offset 0 for
// the first append since Open), and returns the offset it was
// written at.
func (m *MetaFile) AppendIO(buf []byte) (int64, error) {
	m.mu.Lock()
	off := m.appendOff
	if m.file != nil && off+int64(len(buf)) <= m.file.Size() {
		m.appendOff += int64(len(buf))
	}
	m.mu.Unlock()
	if err := m.IssueIO(DirWrite, off, buf); err != nil {
		return off, err
	}
	return off, nil
}

var ErrNoCallback = errors.New("asynchronous i/o request has no callback")

// AsyncIO issues req in the background; req.Callback is invoked via
// the scheduler when it completes.  An error is returned (and the
// callback is NOT invoked) only if the request could not be issued
// at all.
func (m *MetaFile) AsyncIO(req *AsyncIORequest) error {
	if req.Callback == nil {
		return &IOError{File: m.name, Dir: req.Dir, Offset: req.Offset, Len: len(req.Buf), Err: ErrNoCallback}
	}
	if !m.IsOpened() {
		return &IOError{File: m.name, Dir: req.Dir, Offset: req.Offset, Len: len(req.Buf), Err: ErrFileClosed}
	}
	m.sched.Background(func() {
		err := m.IssueIO(req.Dir, req.Offset, req.Buf)
		m.sched.Complete(req.Callback, err)
	})
	return nil
}
