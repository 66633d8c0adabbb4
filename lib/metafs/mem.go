// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package metafs

import (
	"fmt"
	"sync"
)

// MemStore keeps every file in memory.  Files survive Close, so a
// MemStore is a convenient stand-in for durable media across a
// simulated restart.
type MemStore struct {
	mu     sync.Mutex
	files  map[string]*memData
	faults map[string][]fault
}

type fault struct {
	dir Direction
	err error
}

type memData struct {
	mu  sync.RWMutex
	dat []byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		files:  make(map[string]*memData),
		faults: make(map[string][]fault),
	}
}

// InjectError arranges for the next I/O in direction dir against the
// named file to fail with err.
func (s *MemStore) InjectError(name string, dir Direction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[name] = append(s.faults[name], fault{dir: dir, err: err})
}

func (s *MemStore) takeFault(name string, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults[name] {
		if f.dir == dir {
			s.faults[name] = append(s.faults[name][:i], s.faults[name][i+1:]...)
			return f.err
		}
	}
	return nil
}

// Create implements Store.
func (s *MemStore) Create(name string, size int64) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; ok {
		return nil, fmt.Errorf("metafs.MemStore.Create(%q): %w", name, ErrExist)
	}
	data := &memData{dat: make([]byte, size)}
	s.files[name] = data
	return &memFile{store: s, name: name, data: data}, nil
}

// Open implements Store.
func (s *MemStore) Open(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("metafs.MemStore.Open(%q): %w", name, ErrNotExist)
	}
	return &memFile{store: s, name: name, data: data}, nil
}

// Remove implements Store.
func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return fmt.Errorf("metafs.MemStore.Remove(%q): %w", name, ErrNotExist)
	}
	delete(s.files, name)
	return nil
}

type memFile struct {
	store *MemStore
	name  string
	data  *memData
}

func (f *memFile) Name() string { return f.name }

func (f *memFile) Size() int64 {
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	return int64(len(f.data.dat))
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.store.takeFault(f.name, DirRead); err != nil {
		return 0, err
	}
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	return copy(p, f.data.dat[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.store.takeFault(f.name, DirWrite); err != nil {
		return 0, err
	}
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return copy(f.data.dat[off:], p), nil
}

func (f *memFile) Sync() error  { return nil }
func (f *memFile) Close() error { return nil }
