// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/stripe"
)

// submitFlush moves s, which the caller took with TakeForFlush, to
// the user area.  The steps run in order, each one started by the
// completion of the one before:
//
//  1. claim the user-area stripe and write the data to it
//  2. persist the reverse map
//  3. point the stripe map at the user area, and log that
//  4. free the write-buffer stripe
func (a *Array) submitFlush(ctx context.Context, s *stripe.Stripe) {
	ctx = dlog.WithField(ctx, "stripemap.flush.vsid", s.VSID())
	a.sched.EnqueueEvent(scheduler.EventFunc(func(context.Context) bool {
		if err := s.MoveTo(stripe.OwnerFlushPending, stripe.OwnerFlushing); err != nil {
			a.flushFailed(ctx, s, err)
			return true
		}
		user, err := a.alloc.AllocateUserDataStripeId(s.VSID())
		if err != nil {
			a.flushFailed(ctx, s, err)
			return true
		}
		s.SetUserLsid(user)
		s.AllocateDataBuffers()
		dlog.Debugf(ctx, "flushing write-buffer stripe %d to user stripe %d", s.WbLsid(), user)
		if err := a.dev.SubmitAsyncIO(metafs.DirWrite, s.DataBuffers(),
			arraydev.LSA{StripeID: user}, s.BlksPerStripe(), arraydev.PartitionUserData,
			func(err error) {
				if err != nil {
					a.flushFailed(ctx, s, err)
					return
				}
				a.flushReverseMap(ctx, s)
			}); err != nil {
			a.flushFailed(ctx, s, err)
		}
		return true
	}))
}

func (a *Array) flushReverseMap(ctx context.Context, s *stripe.Stripe) {
	err := s.Flush(func(err error) {
		if err != nil {
			a.flushFailed(ctx, s, err)
			return
		}
		a.updateStripeMap(ctx, s)
	})
	if err != nil {
		a.flushFailed(ctx, s, err)
	}
}

func (a *Array) updateStripeMap(ctx context.Context, s *stripe.Stripe) {
	sm := a.maps.StripeMap()
	old, err := sm.GetEntry(s.VSID())
	if err == nil {
		err = sm.SetEntry(s.VSID(), blkaddr.StripeAddr{Loc: blkaddr.InUserArea, ID: s.UserLsid()})
	}
	if err != nil {
		a.flushFailed(ctx, s, err)
		return
	}
	a.addLog(a.factory.CreateStripeMapLogWriteContext(s, old, func(err error) {
		if err != nil {
			a.flushFailed(ctx, s, err)
			return
		}
		s.SetMapUpdateLogged()
		s.UnlinkReverseMap()
		if err := a.alloc.FreeWriteBufferStripe(s); err != nil {
			a.flushFailed(ctx, s, err)
			return
		}
		dlog.Tracef(ctx, "flushed")
	}))
}

// flushFailed hands s back to the flush-pending set; it stays in the
// write buffer, and is flushed again by the next mount.
func (a *Array) flushFailed(ctx context.Context, s *stripe.Stripe, err error) {
	err = fmt.Errorf("flush stripe %v (write-buffer stripe %d): %w", s.VSID(), s.WbLsid(), err)
	dlog.Errorf(ctx, "%v", err)
	if s.Owner() == stripe.OwnerFlushing {
		_ = s.MoveTo(stripe.OwnerFlushing, stripe.OwnerFlushPending)
	}
	a.recordFlushError(err)
}
