// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package journal is the write-ahead log for map and allocation
// changes, and the replay that rebuilds the mapper and allocator from
// it after an unclean shutdown.
//
// The log buffer is one metadata file divided into log groups.
// Records are appended to the active group; when it fills, the next
// group takes over and the full one is checkpointed: the map pages
// its records dirtied are flushed, and then the group is wiped for
// reuse.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"
	"github.com/tchajed/marshal"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

const FileName = "journal.bin"

var (
	ErrLogBufferFull   = errors.New("journal: log buffer is full")
	ErrLogTooLarge     = errors.New("journal: record does not fit in a log group")
	ErrJournalNotReady = errors.New("journal: not reset since open")
	ErrJournalInError  = errors.New("journal: a log write failed")
	ErrJournalBusy     = errors.New("journal: writes or checkpoints are in flight")
	ErrBadConfig       = errors.New("journal: bad configuration")
	ErrBadGroupHeader  = errors.New("journal: bad log group header")
)

// Maps is the part of the mapper that the journal needs.
type Maps interface {
	GetVSAMap(vol blkaddr.VolumeID) (*mapper.VSAMap, error)
	StripeMap() *mapper.StripeMap
	FlushDirtyPagesGiven(id mapper.MapID, pages []mapper.PageNum, cb func(error)) error
}

type Config struct {
	LogBufferSize int64 `json:"log_buffer_size"`
	NumLogGroups  int   `json:"num_log_groups"`
}

const DefaultNumLogGroups = 2

// Normalize fills in defaults and aligns the log buffer size down to
// a whole number of mpages per group.
func (cfg Config) Normalize(mpageSize int64) (Config, error) {
	if cfg.NumLogGroups == 0 {
		cfg.NumLogGroups = DefaultNumLogGroups
	}
	if cfg.NumLogGroups < 2 {
		return cfg, fmt.Errorf("%w: need at least 2 log groups, have %d", ErrBadConfig, cfg.NumLogGroups)
	}
	if cfg.LogBufferSize <= 0 {
		return cfg, fmt.Errorf("%w: log buffer size %d", ErrBadConfig, cfg.LogBufferSize)
	}
	align := mpageSize * int64(cfg.NumLogGroups)
	aligned := cfg.LogBufferSize - cfg.LogBufferSize%align
	if aligned == 0 {
		return cfg, fmt.Errorf("%w: log buffer size %d is less than one %d-byte page per group",
			ErrBadConfig, cfg.LogBufferSize, mpageSize)
	}
	cfg.LogBufferSize = aligned
	return cfg, nil
}

// Group header, in 8-byte words:
//
//	groupMark<<32 | group index
//	group sequence number
const (
	groupMark       = 0x4c47_5250 // "LGRP"
	groupHeaderSize = 16
)

type groupState int

const (
	groupFree groupState = iota
	groupActive
	groupFull
	groupCheckpointing
	groupFailed
)

func (s groupState) String() string {
	switch s {
	case groupFree:
		return "free"
	case groupActive:
		return "active"
	case groupFull:
		return "full"
	case groupCheckpointing:
		return "checkpointing"
	case groupFailed:
		return "failed"
	default:
		return fmt.Sprintf("groupState(%d)", int(s))
	}
}

type pendingRecord struct {
	lwc  *LogWriteContext
	done bool
	err  error
}

type logGroup struct {
	index int
	seq   uint64
	state groupState
	tail  int64
	// records not yet acknowledged, in offset order
	pending []*pendingRecord
	numLogs int
	dirty   map[mapper.MapID]containers.Set[mapper.PageNum]
	err     error
}

func (g *logGroup) clear(seq uint64) {
	g.seq = seq
	g.tail = groupHeaderSize
	g.pending = nil
	g.numLogs = 0
	g.dirty = make(map[mapper.MapID]containers.Set[mapper.PageNum])
	g.err = nil
}

// Journal is safe for concurrent use.  AddLog may be called from
// scheduler workers; Open, ReadRecords, Reset, and Close may not.
type Journal struct {
	file      *metafs.MetaFile
	sched     *scheduler.Scheduler
	maps      Maps
	cfg       Config
	groupSize int64

	seq         atomic.Uint64
	logsWritten atomic.Uint64
	checkpoints atomic.Uint64

	mu       sync.Mutex
	ready    bool
	err      error
	active   int
	groupSeq uint64
	groups   []*logGroup
}

func New(store metafs.Store, sched *scheduler.Scheduler, maps Maps, cfg Config, mpageSize int64) (*Journal, error) {
	cfg, err := cfg.Normalize(mpageSize)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		file:      metafs.NewMetaFile(store, FileName, sched),
		sched:     sched,
		maps:      maps,
		cfg:       cfg,
		groupSize: cfg.LogBufferSize / int64(cfg.NumLogGroups),
	}
	j.groups = make([]*logGroup, cfg.NumLogGroups)
	for i := range j.groups {
		j.groups[i] = &logGroup{index: i}
		j.groups[i].clear(0)
	}
	return j, nil
}

func (j *Journal) Config() Config    { return j.cfg }
func (j *Journal) GroupSize() int64 { return j.groupSize }

// Open opens the log buffer file, creating and formatting it if it
// does not exist.  The journal accepts no records until Reset.
func (j *Journal) Open(ctx context.Context) error {
	if !j.file.DoesFileExist() {
		dlog.Infof(ctx, "formatting %d-byte log buffer with %d groups", j.cfg.LogBufferSize, j.cfg.NumLogGroups)
		if err := j.file.Create(j.cfg.LogBufferSize); err != nil {
			return err
		}
		return j.wipeAll()
	}
	if err := j.file.Open(); err != nil {
		return err
	}
	if size := j.file.Size(); size != j.cfg.LogBufferSize {
		return fmt.Errorf("%w: log buffer file is %d bytes, configured for %d", ErrBadConfig, size, j.cfg.LogBufferSize)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	j.ready = false
	j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) groupImage(g *logGroup, seq uint64) []byte {
	buf := make([]byte, j.groupSize)
	enc := marshal.NewEnc(groupHeaderSize)
	enc.PutInt(uint64(groupMark)<<32 | uint64(g.index))
	enc.PutInt(seq)
	copy(buf, enc.Finish())
	return buf
}

// wipeAll must not be called while anything is in flight.
func (j *Journal) wipeAll() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, g := range j.groups {
		seq := j.groupSeq
		j.groupSeq++
		if err := j.file.IssueIO(metafs.DirWrite, int64(g.index)*j.groupSize, j.groupImage(g, seq)); err != nil {
			return err
		}
		g.clear(seq)
		g.state = groupFree
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.active = 0
	j.groups[0].state = groupActive
	return nil
}

// Reset wipes every log group and makes the journal ready for
// records.  Every map change the log describes must already be
// flushed.
func (j *Journal) Reset(ctx context.Context) error {
	j.mu.Lock()
	for _, g := range j.groups {
		if len(g.pending) > 0 || g.state == groupCheckpointing {
			j.mu.Unlock()
			return ErrJournalBusy
		}
	}
	j.ready = false
	j.err = nil
	j.mu.Unlock()

	if err := j.wipeAll(); err != nil {
		return err
	}
	j.mu.Lock()
	j.ready = true
	j.mu.Unlock()
	dlog.Debugf(ctx, "journal reset; next sequence number %d", j.seq.Load()+1)
	return nil
}

// AddLog appends lwc's record to the log buffer.  lwc.Callback is
// called once the record and every record before it in its group are
// durable.  If AddLog returns an error the callback is not called;
// ErrLogBufferFull is transient, and the caller should retry.
func (j *Journal) AddLog(lwc *LogWriteContext) error {
	size := recordSize(lwc.Log)
	if size > j.groupSize-groupHeaderSize {
		return fmt.Errorf("%w: %v is %d bytes", ErrLogTooLarge, lwc.Log.Type(), size)
	}

	j.mu.Lock()
	switch {
	case !j.ready:
		j.mu.Unlock()
		return ErrJournalNotReady
	case j.err != nil:
		err := j.err
		j.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrJournalInError, err)
	}
	g := j.groups[j.active]
	if g.tail+size > j.groupSize {
		if err := j.rotateLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
		g = j.groups[j.active]
	}
	off := int64(g.index)*j.groupSize + g.tail
	g.tail += size
	lwc.seq = j.seq.Add(1)
	rec := &pendingRecord{lwc: lwc}
	g.pending = append(g.pending, rec)
	j.mu.Unlock()

	err := j.file.AsyncIO(&metafs.AsyncIORequest{
		Dir:    metafs.DirWrite,
		Offset: off,
		Buf:    encodeRecord(lwc.seq, lwc.Log),
		Callback: func(err error) {
			j.logWritten(g, rec, err)
		},
	})
	if err != nil {
		// The reserved space is now a hole; nothing after it in this
		// group would be found by replay.
		j.logWritten(g, rec, err)
	}
	return nil
}

// rotateLocked must be called with j.mu held.
func (j *Journal) rotateLocked() error {
	next := j.groups[(j.active+1)%len(j.groups)]
	switch next.state {
	case groupFree:
	case groupFailed:
		err := next.err
		next.state = groupFull
		j.maybeCheckpointLocked()
		return fmt.Errorf("%w: log group %d: retrying failed checkpoint: %v", ErrLogBufferFull, next.index, err)
	default:
		return fmt.Errorf("%w: log group %d is %v", ErrLogBufferFull, next.index, next.state)
	}
	j.groups[j.active].state = groupFull
	next.state = groupActive
	j.active = next.index
	j.maybeCheckpointLocked()
	return nil
}

// maybeCheckpointLocked starts a checkpoint of the oldest full group,
// if it has no writes in flight.  Groups are checkpointed one at a
// time, oldest first: a newer group must never be wiped while an
// older one could still be replayed over it.
//
// It must be called with j.mu held.
func (j *Journal) maybeCheckpointLocked() {
	n := len(j.groups)
	for i := 1; i < n; i++ {
		g := j.groups[(j.active+i)%n]
		switch g.state {
		case groupFree:
			continue
		case groupFull:
			if len(g.pending) == 0 {
				j.startCheckpointLocked(g)
			}
		}
		return
	}
}

func (j *Journal) logWritten(g *logGroup, rec *pendingRecord, err error) {
	j.mu.Lock()
	rec.done = true
	rec.err = err
	if err != nil && j.err == nil {
		j.err = err
	}
	var acked []*pendingRecord
	for len(g.pending) > 0 && g.pending[0].done {
		r := g.pending[0]
		g.pending = g.pending[1:]
		if r.err == nil && j.err != nil {
			r.err = fmt.Errorf("%w: %v", ErrJournalInError, j.err)
		}
		if r.err == nil {
			g.numLogs++
			for id, pages := range r.lwc.DirtyPages {
				set, ok := g.dirty[id]
				if !ok {
					set = make(containers.Set[mapper.PageNum])
					g.dirty[id] = set
				}
				for _, n := range pages {
					set.Insert(n)
				}
			}
		}
		acked = append(acked, r)
	}
	if len(g.pending) == 0 && g.state == groupFull {
		j.maybeCheckpointLocked()
	}
	j.mu.Unlock()

	for _, r := range acked {
		if r.err == nil {
			j.logsWritten.Add(1)
		}
		if r.lwc.Callback != nil {
			r.lwc.Callback(r.err)
		}
	}
}

// startCheckpointLocked must be called with j.mu held.
func (j *Journal) startCheckpointLocked(g *logGroup) {
	g.state = groupCheckpointing
	dirty := make(map[mapper.MapID][]mapper.PageNum, len(g.dirty))
	for id, set := range g.dirty {
		dirty[id] = set.Sorted()
	}
	j.sched.EnqueueEvent(scheduler.EventFunc(func(ctx context.Context) bool {
		j.checkpoint(dlog.WithField(ctx, "stripemap.journal.group", g.index), g, dirty)
		return true
	}))
}

func (j *Journal) checkpoint(ctx context.Context, g *logGroup, dirty map[mapper.MapID][]mapper.PageNum) {
	ids := maps.Keys(dirty)
	slices.Sort(ids)
	dlog.Debugf(ctx, "checkpoint: flushing %d maps", len(ids))
	if len(ids) == 0 {
		j.wipeGroup(ctx, g)
		return
	}

	var (
		pending  atomic.Int64
		errMu    sync.Mutex
		firstErr error
	)
	pending.Store(int64(len(ids)))
	done := func(err error) {
		if err != nil {
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
			j.checkpointFailed(ctx, g, err)
			return
		}
		j.wipeGroup(ctx, g)
	}
	for _, id := range ids {
		id, pages := id, dirty[id]
		j.sched.EnqueueEvent(scheduler.EventFunc(func(ctx context.Context) bool {
			err := j.maps.FlushDirtyPagesGiven(id, pages, done)
			switch {
			case err == nil:
			case errors.Is(err, mapper.ErrFlushInProgress), errors.Is(err, mapper.ErrLoadInProgress):
				return false
			case errors.Is(err, mapper.ErrNoSuchVolume):
				// deleted since; nothing left to flush
				done(nil)
			default:
				done(err)
			}
			return true
		}))
	}
}

func (j *Journal) checkpointFailed(ctx context.Context, g *logGroup, err error) {
	dlog.Errorf(ctx, "checkpoint failed: %v", err)
	j.mu.Lock()
	defer j.mu.Unlock()
	g.state = groupFailed
	g.err = err
}

func (j *Journal) wipeGroup(ctx context.Context, g *logGroup) {
	j.mu.Lock()
	seq := j.groupSeq
	j.groupSeq++
	j.mu.Unlock()
	err := j.file.AsyncIO(&metafs.AsyncIORequest{
		Dir:    metafs.DirWrite,
		Offset: int64(g.index) * j.groupSize,
		Buf:    j.groupImage(g, seq),
		Callback: func(err error) {
			if err != nil {
				j.checkpointFailed(ctx, g, err)
				return
			}
			j.mu.Lock()
			g.clear(seq)
			g.state = groupFree
			j.maybeCheckpointLocked()
			j.mu.Unlock()
			j.checkpoints.Add(1)
			dlog.Debugf(ctx, "checkpoint done; group sequence %d", seq)
		},
	})
	if err != nil {
		j.checkpointFailed(ctx, g, err)
	}
}

// ReadRecords reads every record in the log buffer, in sequence
// order.  An unknown record type is fatal.
func (j *Journal) ReadRecords(ctx context.Context) ([]Record, error) {
	type groupLogs struct {
		seq  uint64
		recs []Record
	}
	var all []groupLogs
	buf := make([]byte, j.groupSize)
	for i := range j.groups {
		if err := j.file.IssueIO(metafs.DirRead, int64(i)*j.groupSize, buf); err != nil {
			return nil, err
		}
		seq, recs, err := ParseGroup(buf, i)
		if err != nil {
			return nil, fmt.Errorf("log group %d: %w", i, err)
		}
		dlog.Debugf(ctx, "log group %d (sequence %d): %d records", i, seq, len(recs))
		all = append(all, groupLogs{seq: seq, recs: recs})
	}
	slices.SortFunc(all, func(a, b groupLogs) bool { return a.seq < b.seq })

	var ret []Record
	j.mu.Lock()
	for _, gl := range all {
		if gl.seq >= j.groupSeq {
			j.groupSeq = gl.seq + 1
		}
		ret = append(ret, gl.recs...)
	}
	j.mu.Unlock()
	slices.SortFunc(ret, func(a, b Record) bool { return a.Seq < b.Seq })
	for _, rec := range ret {
		for {
			cur := j.seq.Load()
			if rec.Seq <= cur || j.seq.CompareAndSwap(cur, rec.Seq) {
				break
			}
		}
	}
	return ret, nil
}

// ParseGroup decodes one log group image: its header, then records
// until the first word without ValidMark.
func ParseGroup(buf []byte, index int) (groupSeq uint64, recs []Record, err error) {
	if len(buf) < groupHeaderSize {
		return 0, nil, fmt.Errorf("%w: short group", ErrBadGroupHeader)
	}
	dec := marshal.NewDec(buf[:groupHeaderSize])
	if word := dec.GetInt(); word != uint64(groupMark)<<32|uint64(index) {
		return 0, nil, fmt.Errorf("%w: %#016x", ErrBadGroupHeader, word)
	}
	groupSeq = dec.GetInt()
	for off := int64(groupHeaderSize); off < int64(len(buf)); {
		rec, size, ok, err := decodeRecord(buf[off:], off)
		if err != nil {
			return groupSeq, recs, err
		}
		if !ok {
			break
		}
		recs = append(recs, rec)
		off += size
	}
	return groupSeq, recs, nil
}

type GroupStats struct {
	Index    int    `json:"index"`
	Sequence uint64 `json:"sequence"`
	State    string `json:"state"`
	Used     int64  `json:"used"`
	InFlight int    `json:"in_flight"`
	Logs     int    `json:"logs"`
	// DirtyPages are the map pages the group's checkpoint will
	// flush, by map name.
	DirtyPages map[string]containers.Set[mapper.PageNum] `json:"dirty_pages"`
}

type Stats struct {
	Ready       bool         `json:"ready"`
	Error       string       `json:"error,omitempty"`
	ActiveGroup int          `json:"active_group"`
	GroupSize   int64        `json:"group_size"`
	LastSeq     uint64       `json:"last_seq"`
	LogsWritten uint64       `json:"logs_written"`
	Checkpoints uint64       `json:"checkpoints"`
	Groups      []GroupStats `json:"groups"`
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	ret := Stats{
		Ready:       j.ready,
		ActiveGroup: j.active,
		GroupSize:   j.groupSize,
		LastSeq:     j.seq.Load(),
		LogsWritten: j.logsWritten.Load(),
		Checkpoints: j.checkpoints.Load(),
	}
	if j.err != nil {
		ret.Error = j.err.Error()
	}
	for _, g := range j.groups {
		dirty := make(map[string]containers.Set[mapper.PageNum], len(g.dirty))
		for id, set := range g.dirty {
			cp := containers.NewSet[mapper.PageNum]()
			cp.InsertFrom(set)
			dirty[id.String()] = cp
		}
		ret.Groups = append(ret.Groups, GroupStats{
			Index:      g.index,
			Sequence:   g.seq,
			State:      g.state.String(),
			Used:       g.tail,
			InFlight:   len(g.pending),
			Logs:       g.numLogs,
			DirtyPages: dirty,
		})
	}
	return ret
}
