// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"git.lukeshu.com/stripemap-ng/lib/containers"
)

const mapHeaderMagic = 0x4d41_5048_4452_3031 // "MAPHDR01"

const mapHeaderFixedWords = 5

// mapHeader is the persisted description of a map: its shape, which
// pages have ever been written (allocated), and which pages have
// been modified since they were last flushed (touched).
//
// The allocation bitmap that goes to disk is the persisted one: a
// page allocated in memory but never flushed has no content in the
// file yet, and must load as unallocated.
//
// Layout, in 8-byte words, padded to a whole number of mpages:
//
//	magic
//	entries per page
//	number of entries
//	number of pages
//	number of valid (allocated) pages
//	allocation bitmap
//	touched bitmap
type mapHeader struct {
	entriesPerPage uint64
	numEntries     uint64
	numPages       PageNum
	mpageSize      int64

	mu        sync.Mutex
	allocated *containers.Bitmap[PageNum]
	persisted *containers.Bitmap[PageNum]
	touched   *containers.Bitmap[PageNum]
}

func newMapHeader(numEntries uint64, mpageSize int64) *mapHeader {
	entriesPerPage := uint64(mpageSize) / 8
	numPages := PageNum((numEntries + entriesPerPage - 1) / entriesPerPage)
	return &mapHeader{
		entriesPerPage: entriesPerPage,
		numEntries:     numEntries,
		numPages:       numPages,
		mpageSize:      mpageSize,
		allocated:      containers.NewBitmap(numPages),
		persisted:      containers.NewBitmap(numPages),
		touched:        containers.NewBitmap(numPages),
	}
}

func bitmapWords(numPages PageNum) int64 {
	return (int64(numPages) + 63) / 64
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

func headerSizeFor(numPages PageNum, mpageSize int64) int64 {
	return alignUp((mapHeaderFixedWords+2*bitmapWords(numPages))*8, mpageSize)
}

func (h *mapHeader) size() int64 {
	return headerSizeFor(h.numPages, h.mpageSize)
}

// pageOffset returns where page n lives in the map file.
func (h *mapHeader) pageOffset(n PageNum) int64 {
	return h.size() + int64(n)*h.mpageSize
}

func (h *mapHeader) fileSize() int64 {
	return h.pageOffset(h.numPages)
}

func (h *mapHeader) numValidPages() PageNum {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated.NumSet()
}

func (h *mapHeader) encode() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	enc := marshal.NewEnc(uint64(h.size()))
	enc.PutInt(mapHeaderMagic)
	enc.PutInt(h.entriesPerPage)
	enc.PutInt(h.numEntries)
	enc.PutInt(uint64(h.numPages))
	enc.PutInt(uint64(h.persisted.NumSet()))
	enc.PutInts(h.persisted.Words())
	enc.PutInts(h.touched.Words())
	return enc.Finish()
}

// peekHeaderSize decodes just enough of buf (at least the fixed part
// of a header) to say how big the whole header is.
func peekHeaderSize(buf []byte, mpageSize int64) (int64, error) {
	if len(buf) < mapHeaderFixedWords*8 {
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrBadHeader, len(buf))
	}
	dec := marshal.NewDec(buf)
	if magic := dec.GetInt(); magic != mapHeaderMagic {
		return 0, fmt.Errorf("%w: magic %#016x", ErrBadHeader, magic)
	}
	_ = dec.GetInt()
	_ = dec.GetInt()
	return headerSizeFor(PageNum(dec.GetInt()), mpageSize), nil
}

func decodeMapHeader(buf []byte, mpageSize int64) (*mapHeader, error) {
	if _, err := peekHeaderSize(buf, mpageSize); err != nil {
		return nil, err
	}
	dec := marshal.NewDec(buf)
	_ = dec.GetInt()
	entriesPerPage := dec.GetInt()
	numEntries := dec.GetInt()
	numPages := PageNum(dec.GetInt())
	numValid := PageNum(dec.GetInt())
	if entriesPerPage != uint64(mpageSize)/8 {
		return nil, fmt.Errorf("%w: %d entries per page, but mpages are %d bytes",
			ErrBadHeader, entriesPerPage, mpageSize)
	}
	h := newMapHeader(numEntries, mpageSize)
	if h.numPages != numPages {
		return nil, fmt.Errorf("%w: %d entries need %d pages, header says %d",
			ErrBadHeader, numEntries, h.numPages, numPages)
	}
	if int64(len(buf)) < h.size() {
		return nil, fmt.Errorf("%w: short header (%d bytes, need %d)", ErrBadHeader, len(buf), h.size())
	}
	nwords := bitmapWords(numPages)
	readWords := func() []uint64 {
		words := make([]uint64, nwords)
		for i := range words {
			words[i] = dec.GetInt()
		}
		return words
	}
	allocated := readWords()
	h.allocated = containers.LoadBitmap(numPages, allocated)
	h.persisted = containers.LoadBitmap(numPages, allocated)
	// Touched pages were flushed along with this header; nothing
	// is touched in a freshly loaded map.
	_ = readWords()
	if h.allocated.NumSet() != numValid {
		return nil, fmt.Errorf("%w: valid-page count %d disagrees with bitmap (%d)",
			ErrBadHeader, numValid, h.allocated.NumSet())
	}
	return h, nil
}
