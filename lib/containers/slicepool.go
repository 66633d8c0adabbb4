// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"math/bits"
	"sync"

	"git.lukeshu.com/go/typedsync"
)

// SlicePool is a pool of slices, bucketed by the power-of-two that
// their capacity rounds up to, so that a Get is only ever satisfied
// by a slice that is big enough.
//
// Slices returned by Get are zeroed.
type SlicePool[T any] struct {
	mu      sync.Mutex
	buckets [bits.UintSize]*typedsync.Pool[[]T]
}

func bucketOf(size int) int {
	return bits.Len(uint(size - 1))
}

func (p *SlicePool[T]) bucket(b int) *typedsync.Pool[[]T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buckets[b] == nil {
		p.buckets[b] = new(typedsync.Pool[[]T])
	}
	return p.buckets[b]
}

func (p *SlicePool[T]) Get(size int) []T {
	if size <= 0 {
		return nil
	}
	b := bucketOf(size)
	ret, ok := p.bucket(b).Get()
	if !ok || cap(ret) < size {
		return make([]T, size, 1<<b)
	}
	ret = ret[:size]
	var zero T
	for i := range ret {
		ret[i] = zero
	}
	return ret
}

func (p *SlicePool[T]) Put(slice []T) {
	if cap(slice) == 0 {
		return
	}
	// Only file slices under the bucket that they fully satisfy.
	b := bits.Len(uint(cap(slice))) - 1
	p.bucket(b).Put(slice[:0])
}
