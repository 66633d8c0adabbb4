// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/allocator"
	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/mapper"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

// checkRange validates a request against vol's size and returns the
// number of blocks in it.
func (a *Array) checkRange(vol blkaddr.VolumeID, rba blkaddr.RBA, size int) (*mapper.VSAMap, uint32, error) {
	if !a.IsMounted() {
		return nil, 0, ErrNotMounted
	}
	blockSize := int(a.cfg.Geometry.BlockSize)
	if size == 0 || size%blockSize != 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrBadRequest, size)
	}
	vm, err := a.maps.GetVSAMap(vol)
	if err != nil {
		return nil, 0, err
	}
	n := uint32(size / blockSize)
	if uint64(rba)+uint64(n) > vm.NumBlks() {
		return nil, 0, fmt.Errorf("%w: volume %d: rba %v+%d is past the end (%d blocks)",
			ErrBadRequest, vol, rba, n, vm.NumBlks())
	}
	return vm, n, nil
}

// writeOp is one Write request, carried through the write buffer a
// stripe-sized piece at a time.
type writeOp struct {
	a    *Array
	ctx  context.Context //nolint:containedctx // for logging from callbacks
	vol  blkaddr.VolumeID
	vm   *mapper.VSAMap
	rba  blkaddr.RBA
	data []byte
	n    uint32
	done uint32
	cb   func(error)
}

// Write writes data (a whole number of blocks) to vol at rba.  cb is
// called on a scheduler worker once the write is logged, and so
// survives a crash.  A write that overlaps one already in flight is
// refused with rbaguard.ErrRBAOwned; if Write returns an error, cb is
// not called.
func (a *Array) Write(ctx context.Context, vol blkaddr.VolumeID, rba blkaddr.RBA, data []byte, cb func(error)) error {
	vm, n, err := a.checkRange(vol, rba, len(data))
	if err != nil {
		return err
	}
	if err := a.guard.BulkAcquire(vol, rba, n); err != nil {
		return err
	}
	op := &writeOp{
		a:    a,
		ctx:  dlog.WithField(ctx, "stripemap.volume", vol),
		vol:  vol,
		vm:   vm,
		rba:  rba,
		data: data,
		n:    n,
		cb:   cb,
	}
	a.sched.EnqueueEvent(scheduler.EventFunc(op.allocate))
	return nil
}

// WriteSync is Write that waits for the write to be logged.  It must
// not be called from a scheduler worker.
func (a *Array) WriteSync(ctx context.Context, vol blkaddr.VolumeID, rba blkaddr.RBA, data []byte) error {
	return scheduler.Wait(ctx, func(done func(error)) {
		if err := a.Write(ctx, vol, rba, data, done); err != nil {
			done(err)
		}
	})
}

func (op *writeOp) finish(err error) {
	if relErr := op.a.guard.Release(op.vol, op.rba, op.n); relErr != nil && err == nil {
		err = relErr
	}
	if err != nil {
		dlog.Errorf(op.ctx, "write %v+%d: %v", op.rba, op.n, err)
	}
	if op.cb != nil {
		op.cb(err)
	}
}

// allocate is a scheduler event: it claims space for the next piece
// of the request.  It asks to be re-run while the write buffer is
// full.
func (op *writeOp) allocate(ctx context.Context) bool {
	blks, s, err := op.a.alloc.AllocateWriteBufferBlks(op.ctx, op.vol, op.n-op.done)
	switch {
	case errors.Is(err, allocator.ErrNoFreeWbStripe):
		dlog.Tracef(op.ctx, "write buffer is full; waiting")
		return false
	case err != nil:
		op.finish(err)
		return true
	}
	op.writePiece(blks, s)
	return true
}

func (op *writeOp) writePiece(blks blkaddr.VirtualBlks, s *stripe.Stripe) {
	a := op.a
	blockSize := int(a.cfg.Geometry.BlockSize)
	rba := op.rba.Add(uint64(op.done))
	data := op.data[int(op.done)*blockSize : int(op.done+blks.NumBlks)*blockSize]

	s.AllocateDataBuffers()
	for i := uint32(0); i < blks.NumBlks; i++ {
		off := blks.Start.Offset + blkaddr.BlkOffset(i)
		buf, err := s.DataBuffer(off)
		if err == nil {
			copy(buf, data[int(i)*blockSize:])
			err = s.UpdateReverseMapEntry(off, rba.Add(uint64(i)), op.vol)
		}
		if err != nil {
			op.pieceFailed(s, err)
			return
		}
	}

	err := a.dev.SubmitAsyncIO(metafs.DirWrite, [][]byte{data},
		arraydev.LSA{StripeID: s.WbLsid(), Offset: blks.Start.Offset}, blks.NumBlks,
		arraydev.PartitionWriteBuffer,
		func(err error) {
			if err != nil {
				op.pieceFailed(s, err)
				return
			}
			op.pieceWritten(rba, blks, s)
		})
	if err != nil {
		op.pieceFailed(s, err)
	}
}

// pieceWritten runs once the data is in the write buffer: it points
// the block map at it and logs the change.
func (op *writeOp) pieceWritten(rba blkaddr.RBA, blks blkaddr.VirtualBlks, s *stripe.Stripe) {
	a := op.a
	old, err := op.vm.GetEntries(rba, blks.NumBlks)
	if err == nil {
		err = op.vm.SetEntries(rba, blks)
	}
	if err != nil {
		op.pieceFailed(s, err)
		return
	}
	for _, vsa := range old {
		if vsa.IsUnmapped() {
			continue
		}
		if err := a.alloc.InvalidateBlks(blkaddr.VirtualBlks{Start: vsa, NumBlks: 1}); err != nil {
			dlog.Errorf(op.ctx, "rba %v: %v", rba, err)
		}
	}
	a.alloc.ValidateBlks(blks)

	lwc, err := a.factory.CreateBlockMapLogWriteContext(op.vol, rba, blks, s.WbLsid(), func(err error) {
		if err != nil {
			op.pieceFailed(s, err)
			return
		}
		op.pieceLogged(blks, s)
	})
	if err != nil {
		op.pieceFailed(s, err)
		return
	}
	a.addLog(lwc)
}

func (op *writeOp) pieceLogged(blks blkaddr.VirtualBlks, s *stripe.Stripe) {
	op.a.releaseWriter(op.ctx, s)
	op.done += blks.NumBlks
	if op.done < op.n {
		op.a.sched.EnqueueEvent(scheduler.EventFunc(op.allocate))
		return
	}
	op.finish(nil)
}

func (op *writeOp) pieceFailed(s *stripe.Stripe, err error) {
	op.a.releaseWriter(op.ctx, s)
	op.finish(err)
}

// releaseWriter drops a writer's reference to s, and starts the flush
// if that was the last one.
func (a *Array) releaseWriter(ctx context.Context, s *stripe.Stripe) {
	if _, err := s.Derefer(1); err != nil {
		dlog.Errorf(ctx, "%v", err)
		return
	}
	if s.TakeForFlush() {
		a.submitFlush(ctx, s)
	}
}
