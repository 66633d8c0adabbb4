// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package metafs

import (
	"fmt"
	"sync"

	"git.lukeshu.com/stripemap-ng/lib/containers"
)

type bufferedBlock struct {
	mu  sync.RWMutex
	dat []byte
}

// BufferedFile is a write-through block cache in front of another
// File.  Writes always reach the inner file before WriteAt returns;
// the cache only saves re-reading.
type BufferedFile struct {
	inner      File
	blockSize  int64
	blockCache *containers.LRUCache[int64, *bufferedBlock]

	// fillMu serializes cache misses against each other and
	// against the cache update that follows a write.
	fillMu sync.Mutex
}

var _ File = (*BufferedFile)(nil)

func NewBufferedFile(file File, blockSize int64, cacheSize int) (*BufferedFile, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("metafs.NewBufferedFile(%q): block size must be positive", file.Name())
	}
	cache, err := containers.NewLRUCache[int64, *bufferedBlock](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("metafs.NewBufferedFile(%q): %w", file.Name(), err)
	}
	return &BufferedFile{
		inner:      file,
		blockSize:  blockSize,
		blockCache: cache,
	}, nil
}

func (bf *BufferedFile) Name() string { return bf.inner.Name() }
func (bf *BufferedFile) Size() int64  { return bf.inner.Size() }
func (bf *BufferedFile) Sync() error  { return bf.inner.Sync() }

func (bf *BufferedFile) Close() error {
	bf.blockCache.Purge()
	return bf.inner.Close()
}

func (bf *BufferedFile) acquire(blockOffset int64) (*bufferedBlock, error) {
	if blk, ok := bf.blockCache.Get(blockOffset); ok {
		return blk, nil
	}
	bf.fillMu.Lock()
	defer bf.fillMu.Unlock()
	return bf.blockCache.GetOrLoad(blockOffset, func() (*bufferedBlock, error) {
		size := bf.blockSize
		if rest := bf.inner.Size() - blockOffset; rest < size {
			size = rest
		}
		blk := &bufferedBlock{dat: make([]byte, size)}
		if _, err := bf.inner.ReadAt(blk.dat, blockOffset); err != nil {
			return nil, err
		}
		return blk, nil
	})
}

func (bf *BufferedFile) ReadAt(dat []byte, off int64) (int, error) {
	if err := checkRange(bf, off, len(dat)); err != nil {
		return 0, err
	}
	done := 0
	for done < len(dat) {
		n, err := bf.maybeShortReadAt(dat[done:], off+int64(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (bf *BufferedFile) maybeShortReadAt(dat []byte, off int64) (int, error) {
	offsetWithinBlock := off % bf.blockSize
	blockOffset := off - offsetWithinBlock

	blk, err := bf.acquire(blockOffset)
	if err != nil {
		return 0, err
	}
	blk.mu.RLock()
	defer blk.mu.RUnlock()
	return copy(dat, blk.dat[offsetWithinBlock:]), nil
}

func (bf *BufferedFile) WriteAt(dat []byte, off int64) (int, error) {
	if err := checkRange(bf, off, len(dat)); err != nil {
		return 0, err
	}
	n, err := bf.inner.WriteAt(dat, off)
	bf.fillMu.Lock()
	defer bf.fillMu.Unlock()
	if err != nil {
		// The inner file may have partially applied the write;
		// drop whatever we have cached for the range.
		for blockOffset := off - off%bf.blockSize; blockOffset < off+int64(len(dat)); blockOffset += bf.blockSize {
			bf.blockCache.Remove(blockOffset)
		}
		return n, err
	}
	for done := 0; done < len(dat); {
		pos := off + int64(done)
		offsetWithinBlock := pos % bf.blockSize
		blockOffset := pos - offsetWithinBlock
		step := int(bf.blockSize - offsetWithinBlock)
		if step > len(dat)-done {
			step = len(dat) - done
		}
		if blk, ok := bf.blockCache.Get(blockOffset); ok {
			blk.mu.Lock()
			copy(blk.dat[offsetWithinBlock:], dat[done:done+step])
			blk.mu.Unlock()
		}
		done += step
	}
	return n, nil
}

// CachedStore wraps every file of Store in a BufferedFile.
type CachedStore struct {
	Store
	BlockSize int64
	CacheSize int
}

var _ Store = CachedStore{}

func (s CachedStore) wrap(file File, err error) (File, error) {
	if err != nil {
		return nil, err
	}
	bf, err := NewBufferedFile(file, s.BlockSize, s.CacheSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return bf, nil
}

// Create implements Store.
func (s CachedStore) Create(name string, size int64) (File, error) {
	return s.wrap(s.Store.Create(name, size))
}

// Open implements Store.
func (s CachedStore) Open(name string) (File, error) {
	return s.wrap(s.Store.Open(name))
}
