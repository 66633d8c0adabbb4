// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stripe implements the unit of log-structured allocation: a
// fixed-capacity run of blocks with a remaining-block counter, an
// in-flight reference count, and a reverse map back to the logical
// addresses written into it.
package stripe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/containers"
)

var (
	ErrAlreadyAssigned         = errors.New("stripe is already assigned")
	ErrRemainingUnderflow      = errors.New("decrement exceeds the remaining blocks")
	ErrRefcountUnderflow       = errors.New("dereference exceeds the reference count")
	ErrReverseMapAlreadyLinked = errors.New("reverse map is already linked")
	ErrStripeWithoutReverseMap = errors.New("stripe has no reverse map")
	ErrIllegalTransition       = errors.New("illegal ownership transition")
	ErrNoDataBuffer            = errors.New("no data buffer covers the offset")
)

// StripeError is returned by Stripe methods for precondition
// violations; they indicate an ordering bug in the caller.
type StripeError struct {
	Op   string
	VSID blkaddr.StripeID
	Err  error
}

func (e *StripeError) Error() string {
	return fmt.Sprintf("stripe %v: %s: %v", e.VSID, e.Op, e.Err)
}

func (e *StripeError) Unwrap() error { return e.Err }

// Stripe is safe for concurrent use.
//
// Happens-before: a writer calls Refer before the allocator hands it
// blocks, and the allocator calls SetFinished while still holding
// the reference of the writer that received the final blocks.  So
// the Derefer that drops the count to zero always observes
// IsFinished, and exactly one caller of TakeForFlush wins.
type Stripe struct {
	blksPerStripe uint32
	blockSize     uint32
	pool          *containers.SlicePool[byte]

	assigned atomic.Bool
	vsid     blkaddr.StripeID
	wbLsid   blkaddr.StripeID
	volID    blkaddr.VolumeID
	userLsid atomic.Uint32

	remaining atomic.Uint32
	refCount  atomic.Int64
	finished  atomic.Bool
	owner     atomic.Uint32
	revMap    atomic.Pointer[ReverseMap]
	mapLogged atomic.Bool

	bufMu   sync.Mutex
	buffers [][]byte
}

// New returns an empty, unassigned Stripe.  pool may be nil, in
// which case data buffers are allocated directly.
func New(geo blkaddr.Geometry, pool *containers.SlicePool[byte]) *Stripe {
	s := &Stripe{
		blksPerStripe: geo.BlksPerStripe,
		blockSize:     geo.BlockSize,
		pool:          pool,
		vsid:          blkaddr.UnmapStripe,
		wbLsid:        blkaddr.UnmapStripe,
	}
	s.userLsid.Store(uint32(blkaddr.UnmapStripe))
	return s
}

func (s *Stripe) wrap(op string, err error) error {
	return &StripeError{Op: op, VSID: s.vsid, Err: err}
}

// Assign binds the stripe's identities and resets its remaining-block
// counter.  Assigning an already-assigned stripe leaves it unchanged.
func (s *Stripe) Assign(vsid, wbLsid blkaddr.StripeID, volID blkaddr.VolumeID) error {
	if !s.assigned.CompareAndSwap(false, true) {
		return s.wrap("assign", ErrAlreadyAssigned)
	}
	s.vsid = vsid
	s.wbLsid = wbLsid
	s.volID = volID
	s.remaining.Store(s.blksPerStripe)
	return nil
}

func (s *Stripe) IsAssigned() bool                { return s.assigned.Load() }
func (s *Stripe) VSID() blkaddr.StripeID          { return s.vsid }
func (s *Stripe) WbLsid() blkaddr.StripeID        { return s.wbLsid }
func (s *Stripe) VolumeID() blkaddr.VolumeID      { return s.volID }
func (s *Stripe) BlksPerStripe() uint32           { return s.blksPerStripe }
func (s *Stripe) UserLsid() blkaddr.StripeID      { return blkaddr.StripeID(s.userLsid.Load()) }
func (s *Stripe) SetUserLsid(id blkaddr.StripeID) { s.userLsid.Store(uint32(id)) }

func (s *Stripe) String() string {
	return fmt.Sprintf("stripe{vsid=%d wb=%d user=%d vol=%d remaining=%d refs=%d owner=%v}",
		s.vsid, s.wbLsid, s.UserLsid(), s.volID, s.GetBlksRemaining(), s.RefCount(), s.Owner())
}

func (s *Stripe) GetBlksRemaining() uint32 { return s.remaining.Load() }

// DecreaseBlksRemaining atomically subtracts n from the remaining
// count and returns the new value.  A decrement larger than what
// remains fails with ErrRemainingUnderflow and leaves the counter as
// it was.
func (s *Stripe) DecreaseBlksRemaining(n uint32) (uint32, error) {
	for {
		cur := s.remaining.Load()
		if n > cur {
			return cur, s.wrap("decrease remaining", fmt.Errorf("%w: %d > %d", ErrRemainingUnderflow, n, cur))
		}
		if s.remaining.CompareAndSwap(cur, cur-n) {
			return cur - n, nil
		}
	}
}

func (s *Stripe) Refer() { s.refCount.Add(1) }

// Derefer drops n references and returns the number left.
func (s *Stripe) Derefer(n uint32) (int64, error) {
	for {
		cur := s.refCount.Load()
		if int64(n) > cur {
			return cur, s.wrap("derefer", fmt.Errorf("%w: %d > %d", ErrRefcountUnderflow, n, cur))
		}
		if s.refCount.CompareAndSwap(cur, cur-int64(n)) {
			return cur - int64(n), nil
		}
	}
}

func (s *Stripe) RefCount() int64  { return s.refCount.Load() }
func (s *Stripe) IsOkToFree() bool { return s.refCount.Load() == 0 }

func (s *Stripe) SetFinished()     { s.finished.Store(true) }
func (s *Stripe) IsFinished() bool { return s.finished.Load() }

// SetMapUpdateLogged records that the stripe map update moving this
// stripe to the user area is durable in the journal.
func (s *Stripe) SetMapUpdateLogged()     { s.mapLogged.Store(true) }
func (s *Stripe) IsMapUpdateLogged() bool { return s.mapLogged.Load() }

func (s *Stripe) Owner() Owner { return Owner(s.owner.Load()) }

// MoveTo transfers ownership from `from` to `to`.  It fails if the
// stripe is not currently owned by `from`, or if the move is not
// part of the lifecycle.
func (s *Stripe) MoveTo(from, to Owner) error {
	if !legalMove(from, to) {
		return s.wrap("move", fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, from, to))
	}
	if !s.owner.CompareAndSwap(uint32(from), uint32(to)) {
		return s.wrap("move", fmt.Errorf("%w: %v -> %v: owned by %v", ErrIllegalTransition, from, to, s.Owner()))
	}
	return nil
}

// TakeForFlush moves a finished, unreferenced stripe from the writers
// to the flush-pending set.  It returns true for exactly one caller.
func (s *Stripe) TakeForFlush() bool {
	if !s.IsFinished() || !s.IsOkToFree() {
		return false
	}
	return s.MoveTo(OwnerWriters, OwnerFlushPending) == nil
}

func (s *Stripe) LinkReverseMap(rm *ReverseMap) error {
	if !s.revMap.CompareAndSwap(nil, rm) {
		return s.wrap("link reverse map", ErrReverseMapAlreadyLinked)
	}
	return nil
}

// UnlinkReverseMap transfers the reverse map out of the stripe.
func (s *Stripe) UnlinkReverseMap() *ReverseMap {
	return s.revMap.Swap(nil)
}

func (s *Stripe) ReverseMap() *ReverseMap { return s.revMap.Load() }

func (s *Stripe) UpdateReverseMapEntry(offset blkaddr.BlkOffset, rba blkaddr.RBA, volID blkaddr.VolumeID) error {
	rm := s.revMap.Load()
	if rm == nil {
		return s.wrap("update reverse map", ErrStripeWithoutReverseMap)
	}
	return rm.Set(offset, rba, volID)
}

func (s *Stripe) GetReverseMapEntry(offset blkaddr.BlkOffset) (RevMapEntry, error) {
	rm := s.revMap.Load()
	if rm == nil {
		return UnsetRevMapEntry, s.wrap("read reverse map", ErrStripeWithoutReverseMap)
	}
	return rm.Get(offset), nil
}

// Flush persists the linked reverse map; cb is called once it is
// durable.
func (s *Stripe) Flush(cb func(error)) error {
	rm := s.revMap.Load()
	if rm == nil {
		return s.wrap("flush", ErrStripeWithoutReverseMap)
	}
	return rm.Flush(cb)
}

// AddDataBuffer appends buf (a whole number of blocks) to the
// stripe's backing buffers.
func (s *Stripe) AddDataBuffer(buf []byte) {
	if len(buf)%int(s.blockSize) != 0 {
		panic(fmt.Errorf("should not happen: data buffer of %d bytes is not a whole number of %d-byte blocks",
			len(buf), s.blockSize))
	}
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.buffers = append(s.buffers, buf)
}

// AllocateDataBuffers backs the whole stripe with a single buffer
// from the pool, unless it already has buffers.
func (s *Stripe) AllocateDataBuffers() {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.buffers) > 0 {
		return
	}
	size := int(s.blksPerStripe) * int(s.blockSize)
	var buf []byte
	if s.pool != nil {
		buf = s.pool.Get(size)
	} else {
		buf = make([]byte, size)
	}
	s.buffers = append(s.buffers, buf)
}

// DataBuffers returns the backing buffers in offset order.
func (s *Stripe) DataBuffers() [][]byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return append([][]byte(nil), s.buffers...)
}

// DataBuffer returns a view of the block at offset.
func (s *Stripe) DataBuffer(offset blkaddr.BlkOffset) ([]byte, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	pos := int(offset) * int(s.blockSize)
	for _, buf := range s.buffers {
		if pos < len(buf) {
			return buf[pos : pos+int(s.blockSize)], nil
		}
		pos -= len(buf)
	}
	return nil, s.wrap("data buffer", fmt.Errorf("%w: offset %d", ErrNoDataBuffer, offset))
}

// ReleaseDataBuffers hands the backing buffers back to the pool.
func (s *Stripe) ReleaseDataBuffers() {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.pool != nil {
		for _, buf := range s.buffers {
			s.pool.Put(buf)
		}
	}
	s.buffers = nil
}
