// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tchajed/marshal"
)

// mpage is one page of map entries.  Mutation and flush-snapshot both
// happen under mu.
type mpage struct {
	mu      sync.Mutex
	dirty   bool
	entries []uint64
}

func newMpage(entriesPerPage uint64, fill uint64) *mpage {
	page := &mpage{entries: make([]uint64, entriesPerPage)}
	for i := range page.entries {
		page.entries[i] = fill
	}
	return page
}

// snapshot encodes the page into dst and clears the dirty bit.
func (p *mpage) snapshot(dst []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := marshal.NewEnc(uint64(len(dst)))
	for _, ent := range p.entries {
		enc.PutInt(ent)
	}
	copy(dst, enc.Finish())
	p.dirty = false
}

func (p *mpage) restore(src []byte) {
	dec := marshal.NewDec(src)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		p.entries[i] = dec.GetInt()
	}
	p.dirty = false
}

// mapContent is the lazily-allocated array of pages behind a map.
// Pages are never freed once allocated.
type mapContent struct {
	header *mapHeader
	// fill is the value of every entry of a page that has never
	// been written.
	fill  uint64
	pages []atomic.Pointer[mpage]
}

func newMapContent(header *mapHeader, fill uint64) *mapContent {
	return &mapContent{
		header: header,
		fill:   fill,
		pages:  make([]atomic.Pointer[mpage], header.numPages),
	}
}

func (c *mapContent) locate(idx uint64) (PageNum, uint64, error) {
	if idx >= c.header.numEntries {
		return 0, 0, fmt.Errorf("%w: %d >= %d", ErrEntryOutOfRange, idx, c.header.numEntries)
	}
	return PageNum(idx / c.header.entriesPerPage), idx % c.header.entriesPerPage, nil
}

func (c *mapContent) getPage(n PageNum) *mpage {
	return c.pages[n].Load()
}

// getOrAllocPage returns page n, allocating it (and marking it
// allocated in the header) on first use.
func (c *mapContent) getOrAllocPage(n PageNum) *mpage {
	if page := c.pages[n].Load(); page != nil {
		return page
	}
	page := newMpage(c.header.entriesPerPage, c.fill)
	c.header.mu.Lock()
	defer c.header.mu.Unlock()
	if !c.pages[n].CompareAndSwap(nil, page) {
		return c.pages[n].Load()
	}
	c.header.allocated.Set(n)
	return page
}

// getEntry never allocates; an entry on an unallocated page reads
// as fill.
func (c *mapContent) getEntry(idx uint64) (uint64, error) {
	n, off, err := c.locate(idx)
	if err != nil {
		return 0, err
	}
	page := c.getPage(n)
	if page == nil {
		return c.fill, nil
	}
	page.mu.Lock()
	defer page.mu.Unlock()
	return page.entries[off], nil
}

func (c *mapContent) setEntry(idx uint64, val uint64) error {
	n, off, err := c.locate(idx)
	if err != nil {
		return err
	}
	page := c.getOrAllocPage(n)
	page.mu.Lock()
	page.entries[off] = val
	page.dirty = true
	page.mu.Unlock()
	c.header.mu.Lock()
	c.header.touched.Set(n)
	c.header.mu.Unlock()
	return nil
}

// getDirtyPages returns the pages covering entries [start, start+n).
func (c *mapContent) getDirtyPages(start, n uint64) []PageNum {
	if n == 0 || start >= c.header.numEntries {
		return nil
	}
	end := start + n
	if end > c.header.numEntries {
		end = c.header.numEntries
	}
	first := PageNum(start / c.header.entriesPerPage)
	last := PageNum((end - 1) / c.header.entriesPerPage)
	ret := make([]PageNum, 0, last-first+1)
	for p := first; p <= last; p++ {
		ret = append(ret, p)
	}
	return ret
}

func (c *mapContent) numAllocatedPages() PageNum {
	return c.header.numValidPages()
}

// forEach calls fn for every entry on an allocated page that is not
// fill, in index order.
func (c *mapContent) forEach(fn func(idx, val uint64) error) error {
	for n := range c.pages {
		page := c.pages[n].Load()
		if page == nil {
			continue
		}
		page.mu.Lock()
		vals := append([]uint64(nil), page.entries...)
		page.mu.Unlock()
		base := uint64(n) * c.header.entriesPerPage
		for i, val := range vals {
			idx := base + uint64(i)
			if idx >= c.header.numEntries {
				break
			}
			if val == c.fill {
				continue
			}
			if err := fn(idx, val); err != nil {
				return err
			}
		}
	}
	return nil
}
