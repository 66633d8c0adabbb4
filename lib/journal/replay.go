// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

// ContextReplayer is the part of the allocator that replay drives.
type ContextReplayer interface {
	ReplaySegmentAllocation(seg blkaddr.SegmentID)
	ReplayStripeAllocation(vsid, wbLsid blkaddr.StripeID)
	ReplayStripeFlush(vsid, wbLsid, userLsid blkaddr.StripeID)
}

type ReplayEventType int

const (
	EventBlockMapUpdate ReplayEventType = iota
	EventStripeMapUpdate
	EventStripeAllocation
	EventSegmentAllocation
	EventStripeFlush
)

func (t ReplayEventType) String() string {
	switch t {
	case EventBlockMapUpdate:
		return "block-map-update"
	case EventStripeMapUpdate:
		return "stripe-map-update"
	case EventStripeAllocation:
		return "stripe-allocation"
	case EventSegmentAllocation:
		return "segment-allocation"
	case EventStripeFlush:
		return "stripe-flush"
	default:
		return fmt.Sprintf("ReplayEventType(%d)", int(t))
	}
}

// ReplayStatus is what replay has learned about one generation of a
// stripe: from its allocation to its flush.
type ReplayStatus struct {
	VSID         blkaddr.StripeID
	WbLsid       blkaddr.StripeID
	Allocated    bool
	BlockUpdates int
	// Staged is the destination of a logged stripe map update; it
	// only reaches the stripe map when the StripeFlush event runs.
	Staged  blkaddr.StripeAddr
	Flushed bool
}

// A ReplayEvent redoes one effect of a logged record.  The set of
// implementations is closed.
type ReplayEvent interface {
	EventType() ReplayEventType
}

type BlockMapUpdate struct {
	Status  *ReplayStatus
	Vol     blkaddr.VolumeID
	Start   blkaddr.RBA
	Blks    blkaddr.VirtualBlks
	FromSeq uint64
}

type StripeMapUpdate struct {
	Status *ReplayStatus
	Dest   blkaddr.StripeAddr
}

type StripeAllocation struct {
	Status *ReplayStatus
	VSID   blkaddr.StripeID
	WbLsid blkaddr.StripeID
}

type SegmentAllocation struct {
	Segment blkaddr.SegmentID
}

type StripeFlush struct {
	Status *ReplayStatus
	VSID   blkaddr.StripeID
	WbLsid blkaddr.StripeID
}

func (BlockMapUpdate) EventType() ReplayEventType    { return EventBlockMapUpdate }
func (StripeMapUpdate) EventType() ReplayEventType   { return EventStripeMapUpdate }
func (StripeAllocation) EventType() ReplayEventType  { return EventStripeAllocation }
func (SegmentAllocation) EventType() ReplayEventType { return EventSegmentAllocation }
func (StripeFlush) EventType() ReplayEventType       { return EventStripeFlush }

// Plan is the ordered list of events that replaying a log performs.
type Plan struct {
	NumRecords int
	LastSeq    uint64
	Events     []ReplayEvent
	// Stripes holds every stripe generation the log mentions, in
	// order of first mention.
	Stripes []*ReplayStatus
	// DeletedVolumes are volumes whose deletion was logged, and
	// that were not written again afterward.
	DeletedVolumes []blkaddr.VolumeID
}

type planner struct {
	geo     blkaddr.Geometry
	plan    *Plan
	live    map[blkaddr.StripeID]*ReplayStatus
	deleted map[blkaddr.VolumeID]struct{}
}

func (p *planner) emit(ev ReplayEvent) {
	p.plan.Events = append(p.plan.Events, ev)
}

func (p *planner) newStatus(vsid blkaddr.StripeID) *ReplayStatus {
	st := &ReplayStatus{
		VSID:   vsid,
		WbLsid: blkaddr.UnmapStripe,
		Staged: blkaddr.UnmapStripeAddr,
	}
	p.live[vsid] = st
	p.plan.Stripes = append(p.plan.Stripes, st)
	return st
}

func (p *planner) status(vsid blkaddr.StripeID) *ReplayStatus {
	if st, ok := p.live[vsid]; ok {
		return st
	}
	return p.newStatus(vsid)
}

func (p *planner) allocate(st *ReplayStatus, wbLsid blkaddr.StripeID) {
	if st.Allocated {
		return
	}
	st.Allocated = true
	st.WbLsid = wbLsid
	if st.VSID == p.geo.FirstStripeOf(p.geo.SegmentOf(st.VSID)) {
		p.emit(SegmentAllocation{Segment: p.geo.SegmentOf(st.VSID)})
	}
	p.emit(StripeAllocation{Status: st, VSID: st.VSID, WbLsid: wbLsid})
}

func (p *planner) blockUpdate(st *ReplayStatus, seq uint64, vol blkaddr.VolumeID, rba blkaddr.RBA, blks blkaddr.VirtualBlks) {
	delete(p.deleted, vol)
	st.BlockUpdates++
	p.emit(BlockMapUpdate{Status: st, Vol: vol, Start: rba, Blks: blks, FromSeq: seq})
}

func (p *planner) flush(st *ReplayStatus, dest blkaddr.StripeAddr) {
	p.emit(StripeMapUpdate{Status: st, Dest: dest})
	p.emit(StripeFlush{Status: st, VSID: st.VSID, WbLsid: st.WbLsid})
	delete(p.live, st.VSID)
}

func (p *planner) add(rec Record) {
	p.plan.NumRecords++
	if rec.Seq > p.plan.LastSeq {
		p.plan.LastSeq = rec.Seq
	}
	switch log := rec.Log.(type) {
	case *BlockWriteDoneLog:
		st := p.status(log.StartVSA.StripeID)
		p.allocate(st, log.WbLsid)
		p.blockUpdate(st, rec.Seq, log.Vol, log.StartRBA, blkaddr.VirtualBlks{Start: log.StartVSA, NumBlks: log.NumBlks})
	case *StripeMapUpdatedLog:
		st := p.status(log.VSID)
		wbLsid := blkaddr.UnmapStripe
		if log.OldAddr.Loc == blkaddr.InWriteBufferArea {
			wbLsid = log.OldAddr.ID
		}
		p.allocate(st, wbLsid)
		p.flush(st, log.NewAddr)
	case *GcStripeFlushedLog:
		st := p.newStatus(log.VSID)
		p.allocate(st, blkaddr.UnmapStripe)
		for _, blk := range log.Blocks {
			p.blockUpdate(st, rec.Seq, log.Vol, blk.RBA, blkaddr.VirtualBlks{Start: blk.VSA, NumBlks: 1})
		}
		p.flush(st, blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: log.VSID})
	case *VolumeDeletedLog:
		p.deleted[log.Vol] = struct{}{}
		kept := p.plan.Events[:0]
		for _, ev := range p.plan.Events {
			if upd, ok := ev.(BlockMapUpdate); ok && upd.Vol == log.Vol {
				upd.Status.BlockUpdates--
				continue
			}
			kept = append(kept, ev)
		}
		p.plan.Events = kept
	default:
		panic(fmt.Errorf("should not happen: unknown log %T", rec.Log))
	}
}

// BuildPlan turns records, in sequence order, into replay events.
// Per stripe, the events come out as: allocation, then block map
// updates, then the stripe map update, then the flush that commits
// it.
func BuildPlan(geo blkaddr.Geometry, recs []Record) *Plan {
	p := &planner{
		geo:     geo,
		plan:    &Plan{},
		live:    make(map[blkaddr.StripeID]*ReplayStatus),
		deleted: make(map[blkaddr.VolumeID]struct{}),
	}
	for _, rec := range recs {
		p.add(rec)
	}
	p.plan.DeletedVolumes = maps.Keys(p.deleted)
	slices.Sort(p.plan.DeletedVolumes)
	return p.plan
}

// Replayer applies replay events to a mapper and an allocator.
// Every event sets absolute state, so applying a plan twice ends in
// the same state as applying it once.
type Replayer struct {
	maps     Maps
	replayer ContextReplayer
}

func NewReplayer(maps Maps, replayer ContextReplayer) *Replayer {
	return &Replayer{
		maps:     maps,
		replayer: replayer,
	}
}

// Apply runs events in order, stopping at the first failure.
func (r *Replayer) Apply(ctx context.Context, events []ReplayEvent) error {
	ctx = dlog.WithField(ctx, "stripemap.replay.step", "apply")
	progressWriter := textui.NewProgress[textui.Portion[int]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	for i, ev := range events {
		progressWriter.Set(textui.Portion[int]{N: i, D: len(events)})
		if err := r.apply(ctx, ev); err != nil {
			return fmt.Errorf("replay event %d (%v): %w", i, ev.EventType(), err)
		}
	}
	progressWriter.Set(textui.Portion[int]{N: len(events), D: len(events)})
	return nil
}

func (r *Replayer) apply(ctx context.Context, ev ReplayEvent) error {
	switch ev := ev.(type) {
	case BlockMapUpdate:
		vm, err := r.maps.GetVSAMap(ev.Vol)
		if errors.Is(err, mapper.ErrNoSuchVolume) {
			dlog.Debugf(ctx, "volume %d is gone; skipping %v", ev.Vol, ev.Blks)
			return nil
		}
		if err != nil {
			return err
		}
		return vm.SetEntries(ev.Start, ev.Blks)
	case StripeAllocation:
		if ev.WbLsid != blkaddr.UnmapStripe {
			addr := blkaddr.StripeAddr{Loc: blkaddr.InWriteBufferArea, ID: ev.WbLsid}
			if err := r.maps.StripeMap().SetEntry(ev.VSID, addr); err != nil {
				return err
			}
		}
		r.replayer.ReplayStripeAllocation(ev.VSID, ev.WbLsid)
		return nil
	case SegmentAllocation:
		r.replayer.ReplaySegmentAllocation(ev.Segment)
		return nil
	case StripeMapUpdate:
		ev.Status.Staged = ev.Dest
		return nil
	case StripeFlush:
		dest := ev.Status.Staged
		if dest.IsUnmapped() {
			return fmt.Errorf("stripe %v: flush without a staged stripe map update", ev.VSID)
		}
		if err := r.maps.StripeMap().SetEntry(ev.VSID, dest); err != nil {
			return err
		}
		r.replayer.ReplayStripeFlush(ev.VSID, ev.WbLsid, dest.ID)
		ev.Status.Flushed = true
		return nil
	default:
		panic(fmt.Errorf("should not happen: unknown replay event %T", ev))
	}
}

// Replay reads the log buffer and applies it through replayer.
func (j *Journal) Replay(ctx context.Context, geo blkaddr.Geometry, replayer *Replayer) (*Plan, error) {
	ctx = dlog.WithField(ctx, "stripemap.replay.step", "read")
	recs, err := j.ReadRecords(ctx)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(geo, recs)
	dlog.Infof(ctx, "replaying %d records as %d events over %d stripes",
		plan.NumRecords, len(plan.Events), len(plan.Stripes))
	if err := replayer.Apply(ctx, plan.Events); err != nil {
		return plan, err
	}
	return plan, nil
}
