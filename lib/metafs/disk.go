// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package metafs

import (
	"fmt"
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"
)

// DiskStore lays files out as contiguous block extents on a
// block device.  Block 0 holds the directory:
//
//	word 0      magic
//	word 1      number of entries
//	per entry   4 words of name, start block, number of blocks, size in bytes
//
// Extents are allocated bump-pointer style and never reused; this
// store is meant for a fixed set of metadata files.
type DiskStore struct {
	mu      sync.Mutex
	d       disk.Disk
	entries []diskDirent
	next    uint64
}

type diskDirent struct {
	name    string
	start   uint64
	nblocks uint64
	size    int64
}

const (
	diskDirMagic    = 0x5354_5250_4449_5231 // "STRPDIR1"
	diskNameWords   = 4
	diskDirentWords = diskNameWords + 3
	diskMaxEntries  = (disk.BlockSize/8 - 2) / diskDirentWords
)

var _ Store = (*DiskStore)(nil)

// NewDiskStore opens the directory on d, formatting d if it does not
// carry one.
func NewDiskStore(d disk.Disk) *DiskStore {
	s := &DiskStore{d: d, next: 1}
	dec := marshal.NewDec(d.Read(0))
	if dec.GetInt() != diskDirMagic {
		s.writeDir()
		return s
	}
	n := dec.GetInt()
	for i := uint64(0); i < n; i++ {
		var words [diskNameWords]uint64
		for j := range words {
			words[j] = dec.GetInt()
		}
		ent := diskDirent{
			name:    unpackName(words),
			start:   dec.GetInt(),
			nblocks: dec.GetInt(),
			size:    int64(dec.GetInt()),
		}
		s.entries = append(s.entries, ent)
		if end := ent.start + ent.nblocks; end > s.next {
			s.next = end
		}
	}
	return s
}

func packName(name string) [diskNameWords]uint64 {
	var words [diskNameWords]uint64
	for i := 0; i < len(name); i++ {
		words[i/8] |= uint64(name[i]) << (8 * (i % 8))
	}
	return words
}

func unpackName(words [diskNameWords]uint64) string {
	buf := make([]byte, 0, diskNameWords*8)
	for i := 0; i < diskNameWords*8; i++ {
		c := byte(words[i/8] >> (8 * (i % 8)))
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf)
}

func (s *DiskStore) writeDir() {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(diskDirMagic)
	enc.PutInt(uint64(len(s.entries)))
	for _, ent := range s.entries {
		for _, w := range packName(ent.name) {
			enc.PutInt(w)
		}
		enc.PutInt(ent.start)
		enc.PutInt(ent.nblocks)
		enc.PutInt(uint64(ent.size))
	}
	s.d.Write(0, enc.Finish())
	s.d.Barrier()
}

func (s *DiskStore) lookup(name string) int {
	for i, ent := range s.entries {
		if ent.name == name {
			return i
		}
	}
	return -1
}

// Create implements Store.
func (s *DiskStore) Create(name string, size int64) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case len(name) > diskNameWords*8 || len(name) == 0:
		return nil, fmt.Errorf("metafs.DiskStore.Create(%q): name must be 1-%d bytes", name, diskNameWords*8)
	case s.lookup(name) >= 0:
		return nil, fmt.Errorf("metafs.DiskStore.Create(%q): %w", name, ErrExist)
	case uint64(len(s.entries)) >= diskMaxEntries:
		return nil, fmt.Errorf("metafs.DiskStore.Create(%q): directory is full", name)
	}
	nblocks := (uint64(size) + disk.BlockSize - 1) / disk.BlockSize
	if s.next+nblocks > s.d.Size() {
		return nil, fmt.Errorf("metafs.DiskStore.Create(%q): need %d blocks, only %d left",
			name, nblocks, s.d.Size()-s.next)
	}
	ent := diskDirent{name: name, start: s.next, nblocks: nblocks, size: size}
	zero := make(disk.Block, disk.BlockSize)
	for b := ent.start; b < ent.start+nblocks; b++ {
		s.d.Write(b, zero)
	}
	s.next += nblocks
	s.entries = append(s.entries, ent)
	s.writeDir()
	return &diskFile{store: s, ent: ent}, nil
}

// Open implements Store.
func (s *DiskStore) Open(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.lookup(name)
	if i < 0 {
		return nil, fmt.Errorf("metafs.DiskStore.Open(%q): %w", name, ErrNotExist)
	}
	return &diskFile{store: s, ent: s.entries[i]}, nil
}

// Remove implements Store.  The extent is not reclaimed.
func (s *DiskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.lookup(name)
	if i < 0 {
		return fmt.Errorf("metafs.DiskStore.Remove(%q): %w", name, ErrNotExist)
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.writeDir()
	return nil
}

type diskFile struct {
	store *DiskStore
	ent   diskDirent
	// serializes read-modify-write of partial blocks
	mu sync.Mutex
}

func (f *diskFile) Name() string { return f.ent.name }
func (f *diskFile) Size() int64  { return f.ent.size }

func (f *diskFile) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		pos := uint64(off) + uint64(done)
		blk := f.store.d.Read(f.ent.start + pos/disk.BlockSize)
		done += copy(p[done:], blk[pos%disk.BlockSize:])
	}
	return done, nil
}

func (f *diskFile) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	done := 0
	for done < len(p) {
		pos := uint64(off) + uint64(done)
		addr := f.ent.start + pos/disk.BlockSize
		inBlk := pos % disk.BlockSize
		var blk disk.Block
		if inBlk == 0 && uint64(len(p)-done) >= disk.BlockSize {
			blk = make(disk.Block, disk.BlockSize)
		} else {
			blk = f.store.d.Read(addr)
		}
		n := copy(blk[inBlk:], p[done:])
		f.store.d.Write(addr, blk)
		done += n
	}
	return done, nil
}

func (f *diskFile) Sync() error {
	f.store.d.Barrier()
	return nil
}

func (f *diskFile) Close() error { return nil }
