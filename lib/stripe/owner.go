// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package stripe

import (
	"fmt"
)

// Owner names which party currently owns a Stripe.  A Stripe has
// exactly one owner at a time, and ownership only changes through
// MoveTo.
type Owner uint32

const (
	// OwnerOpenPool: the allocator's active stripe for a volume;
	// new blocks are still being handed out of it.
	OwnerOpenPool Owner = iota
	// OwnerWriters: every block has been handed out (or the
	// stripe was closed early), but writers may still hold
	// references.
	OwnerWriters
	// OwnerFlushPending: no writer holds a reference; the stripe
	// is waiting to be moved to the user area.
	OwnerFlushPending
	// OwnerFlushing: a flush holds the stripe and its reverse map.
	OwnerFlushing
	// OwnerFreed: the write-buffer stripe has been returned to the
	// allocator.  Terminal.
	OwnerFreed
)

func (o Owner) String() string {
	switch o {
	case OwnerOpenPool:
		return "open-pool"
	case OwnerWriters:
		return "writers"
	case OwnerFlushPending:
		return "flush-pending"
	case OwnerFlushing:
		return "flushing"
	case OwnerFreed:
		return "freed"
	default:
		return fmt.Sprintf("Owner(%d)", uint32(o))
	}
}

var legalMoves = map[Owner][]Owner{
	OwnerOpenPool:     {OwnerWriters},
	OwnerWriters:      {OwnerFlushPending},
	OwnerFlushPending: {OwnerFlushing},
	// A failed flush hands the stripe back for another attempt.
	OwnerFlushing: {OwnerFreed, OwnerFlushPending},
}

func legalMove(from, to Owner) bool {
	for _, ok := range legalMoves[from] {
		if ok == to {
			return true
		}
	}
	return false
}
