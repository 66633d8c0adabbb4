// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

var (
	maxPagesPerIO   = textui.Tunable(uint32(64))
	flushRetryDelay = textui.Tunable(100 * time.Microsecond)
)

// Map is a paged, sparse array of uint64 entries persisted in one
// metadata file.  VSAMap and StripeMap give it types.
//
// At most one load or flush runs at a time; a second one is refused
// with ErrLoadInProgress or ErrFlushInProgress rather than queued.
// Any I/O failure puts the map in StateError, where it refuses all
// further loads and flushes until ResetError.
type Map struct {
	id        MapID
	file      *metafs.MetaFile
	sched     *scheduler.Scheduler
	pool      *containers.SlicePool[byte]
	mpageSize int64
	fill      uint64

	state   atomic.Uint32
	content *mapContent
}

func newMap(id MapID, store metafs.Store, sched *scheduler.Scheduler, pool *containers.SlicePool[byte], mpageSize int64, fill uint64) *Map {
	return &Map{
		id:        id,
		file:      metafs.NewMetaFile(store, id.FileName(), sched),
		sched:     sched,
		pool:      pool,
		mpageSize: mpageSize,
		fill:      fill,
	}
}

func (m *Map) ID() MapID           { return m.id }
func (m *Map) State() MapState     { return MapState(m.state.Load()) }
func (m *Map) NumEntries() uint64  { return m.content.header.numEntries }
func (m *Map) NumPages() PageNum   { return m.content.header.numPages }
func (m *Map) HeaderSize() int64   { return m.content.header.size() }
func (m *Map) EntriesPerPage() int { return int(m.content.header.entriesPerPage) }

// NumAllocatedPages returns how many pages have ever been written.
func (m *Map) NumAllocatedPages() PageNum { return m.content.numAllocatedPages() }

// IsPageAllocated reports whether page n has ever been written.
func (m *Map) IsPageAllocated(n PageNum) bool {
	return n < m.content.header.numPages && m.content.getPage(n) != nil
}

// GetDirtyPages returns the pages that a write of entries
// [start, start+n) dirties.
func (m *Map) GetDirtyPages(start, n uint64) []PageNum {
	return m.content.getDirtyPages(start, n)
}

// TouchedPages returns the pages modified since they were last
// flushed.
func (m *Map) TouchedPages() []PageNum {
	h := m.content.header
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.touched.SetBits()
}

func (m *Map) ResetError() {
	m.state.CompareAndSwap(uint32(StateError), uint32(StateIdle))
}

func (m *Map) setError() {
	m.state.Store(uint32(StateError))
}

func (m *Map) beginOp(op string, to MapState) error {
	for {
		cur := MapState(m.state.Load())
		switch {
		case cur == StateError:
			return &MapIOError{Map: m.id, Op: op, Err: ErrMapInError}
		case cur >= StateLoadingHeader && cur < StateLoadingDone:
			return ErrLoadInProgress
		case !cur.isQuiescent():
			return ErrFlushInProgress
		}
		if m.state.CompareAndSwap(uint32(cur), uint32(to)) {
			return nil
		}
	}
}

// create makes a new, empty map file big enough for numEntries and
// writes its header.
func (m *Map) create(numEntries uint64) error {
	header := newMapHeader(numEntries, m.mpageSize)
	if err := m.file.Create(header.fileSize()); err != nil {
		return &MapIOError{Map: m.id, Op: "create", Err: err}
	}
	if err := m.file.IssueIO(metafs.DirWrite, 0, header.encode()); err != nil {
		m.setError()
		return &MapIOError{Map: m.id, Op: "create", Err: err}
	}
	m.content = newMapContent(header, m.fill)
	m.state.Store(uint32(StateIdle))
	return nil
}

// Load reads the header synchronously, then issues asynchronous
// reads of every allocated page; cb is called once all of them
// complete.  If Load returns an error, cb is not called.
func (m *Map) Load(cb func(error)) error {
	if err := m.beginOp("load", StateLoadingHeader); err != nil {
		return err
	}
	header, err := m.loadHeader()
	if err != nil {
		m.setError()
		return &MapIOError{Map: m.id, Op: "load header", Err: err}
	}
	m.content = newMapContent(header, m.fill)
	m.state.Store(uint32(StateLoadingMpages))

	pages := header.allocated.SetBits()
	expected := uint64(len(pages))
	if expected == 0 {
		m.state.Store(uint32(StateLoadingDone))
		m.sched.Complete(cb, nil)
		return nil
	}

	var (
		loaded   atomic.Uint64
		errMu    sync.Mutex
		firstErr error
	)
	for _, run := range splitRuns(FindSequentialRuns(pages), maxPagesPerIO) {
		run := run
		buf := m.pool.Get(int(run.Len) * int(m.mpageSize))
		done := func(err error) {
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			} else {
				for i := uint32(0); i < run.Len; i++ {
					off := int64(i) * m.mpageSize
					m.content.getOrAllocPage(run.Start + PageNum(i)).restore(buf[off : off+m.mpageSize])
				}
			}
			m.pool.Put(buf)
			// The counter is the only completion signal; whoever
			// brings it to the expected total finishes the load.
			if loaded.Add(uint64(run.Len)) != expected {
				return
			}
			errMu.Lock()
			err = firstErr
			errMu.Unlock()
			if err != nil {
				m.setError()
				cb(&MapIOError{Map: m.id, Op: "load mpages", Err: err})
				return
			}
			m.state.Store(uint32(StateLoadingDone))
			cb(nil)
		}
		if err := m.file.AsyncIO(&metafs.AsyncIORequest{
			Dir:      metafs.DirRead,
			Offset:   header.pageOffset(run.Start),
			Buf:      buf,
			Callback: done,
		}); err != nil {
			m.sched.Complete(done, err)
		}
	}
	return nil
}

func (m *Map) loadHeader() (*mapHeader, error) {
	if err := m.file.Open(); err != nil {
		return nil, err
	}
	buf := make([]byte, m.mpageSize)
	if err := m.file.IssueIO(metafs.DirRead, 0, buf); err != nil {
		return nil, err
	}
	size, err := peekHeaderSize(buf, m.mpageSize)
	if err != nil {
		return nil, err
	}
	if size > int64(len(buf)) {
		buf = make([]byte, size)
		if err := m.file.IssueIO(metafs.DirRead, 0, buf); err != nil {
			return nil, err
		}
	}
	return decodeMapHeader(buf, m.mpageSize)
}

// FlushDirtyPagesGiven writes out the given pages, coalescing
// adjacent pages into single writes, and then the header.  Pages
// that were never allocated are skipped.  If it returns an error, cb is not called.
func (m *Map) FlushDirtyPagesGiven(pages []PageNum, cb func(error)) error {
	if err := m.beginOp("flush", StateFlushingStarted); err != nil {
		return err
	}
	var flushable []PageNum
	for _, n := range pages {
		if n < m.content.header.numPages && m.content.getPage(n) != nil {
			flushable = append(flushable, n)
		}
	}
	runs := splitRuns(FindSequentialRuns(flushable), maxPagesPerIO)
	m.state.Store(uint32(StateFlushingMpages))
	if len(runs) == 0 {
		m.flushHeader(cb)
		return nil
	}

	var (
		pending  atomic.Int64
		errMu    sync.Mutex
		firstErr error
	)
	pending.Store(int64(len(runs)))
	h := m.content.header
	for _, run := range runs {
		run := run
		buf := m.pool.Get(int(run.Len) * int(m.mpageSize))
		h.mu.Lock()
		for i := uint32(0); i < run.Len; i++ {
			h.touched.Clear(run.Start + PageNum(i))
		}
		h.mu.Unlock()
		for i := uint32(0); i < run.Len; i++ {
			off := int64(i) * m.mpageSize
			m.content.getPage(run.Start + PageNum(i)).snapshot(buf[off : off+m.mpageSize])
		}
		done := func(err error) {
			m.pool.Put(buf)
			if err == nil {
				h.mu.Lock()
				for i := uint32(0); i < run.Len; i++ {
					h.persisted.Set(run.Start + PageNum(i))
				}
				h.mu.Unlock()
			} else {
				m.redirty(run)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			if pending.Add(-1) != 0 {
				return
			}
			errMu.Lock()
			err = firstErr
			errMu.Unlock()
			if err != nil {
				m.setError()
				cb(&MapIOError{Map: m.id, Op: "flush mpages", Err: err})
				return
			}
			m.flushHeader(cb)
		}
		if err := m.file.AsyncIO(&metafs.AsyncIORequest{
			Dir:      metafs.DirWrite,
			Offset:   h.pageOffset(run.Start),
			Buf:      buf,
			Callback: done,
		}); err != nil {
			m.sched.Complete(done, err)
		}
	}
	return nil
}

// FlushTouchedPages flushes every page modified since it was last
// flushed.
func (m *Map) FlushTouchedPages(cb func(error)) error {
	return m.FlushDirtyPagesGiven(m.TouchedPages(), cb)
}

func (m *Map) redirty(run PageRun) {
	h := m.content.header
	for i := uint32(0); i < run.Len; i++ {
		n := run.Start + PageNum(i)
		page := m.content.getPage(n)
		page.mu.Lock()
		page.dirty = true
		page.mu.Unlock()
		h.mu.Lock()
		h.touched.Set(n)
		h.mu.Unlock()
	}
}

func (m *Map) flushHeader(cb func(error)) {
	m.state.Store(uint32(StateFlushingHeader))
	done := func(err error) {
		if err != nil {
			m.setError()
			cb(&MapIOError{Map: m.id, Op: "flush header", Err: err})
			return
		}
		m.state.Store(uint32(StateFlushingDone))
		cb(nil)
	}
	if err := m.file.AsyncIO(&metafs.AsyncIORequest{
		Dir:      metafs.DirWrite,
		Offset:   0,
		Buf:      m.content.header.encode(),
		Callback: done,
	}); err != nil {
		m.sched.Complete(done, err)
	}
}

// FlushSync flushes the given pages and waits for the flush,
// retrying for as long as another flush is in progress.  It must not
// be called from a scheduler worker.
func (m *Map) FlushSync(ctx context.Context, pages []PageNum) error {
	for {
		err := scheduler.Wait(ctx, func(done func(error)) {
			if err := m.FlushDirtyPagesGiven(pages, done); err != nil {
				done(err)
			}
		})
		if !errors.Is(err, ErrFlushInProgress) {
			return err
		}
		dlog.Tracef(ctx, "map %v: flush in progress, retrying", m.id)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushRetryDelay):
		}
	}
}

// FlushAllSync flushes every touched page; see FlushSync.
func (m *Map) FlushAllSync(ctx context.Context) error {
	return m.FlushSync(ctx, m.TouchedPages())
}

// LoadSync loads the map and waits for the load to complete.  It
// must not be called from a scheduler worker.
func (m *Map) LoadSync(ctx context.Context) error {
	return scheduler.Wait(ctx, func(done func(error)) {
		if err := m.Load(done); err != nil {
			done(err)
		}
	})
}

func (m *Map) close() error {
	return m.file.Close()
}
