// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Bitmap is a fixed-size bit array indexed by I.  It is not
// thread-safe; callers provide their own locking.
type Bitmap[I constraints.Unsigned] struct {
	words []uint64
	nbits I
	nset  I
}

func NewBitmap[I constraints.Unsigned](nbits I) *Bitmap[I] {
	return &Bitmap[I]{
		words: make([]uint64, (uint64(nbits)+63)/64),
		nbits: nbits,
	}
}

// LoadBitmap rebuilds a Bitmap from the words returned by Words.
func LoadBitmap[I constraints.Unsigned](nbits I, words []uint64) *Bitmap[I] {
	ret := NewBitmap(nbits)
	copy(ret.words, words)
	if rem := uint64(nbits) % 64; rem != 0 && len(ret.words) > 0 {
		ret.words[len(ret.words)-1] &= (uint64(1) << rem) - 1
	}
	for _, w := range ret.words {
		ret.nset += I(bits.OnesCount64(w))
	}
	return ret
}

func (b *Bitmap[I]) Len() I          { return b.nbits }
func (b *Bitmap[I]) NumSet() I       { return b.nset }
func (b *Bitmap[I]) Words() []uint64 { return b.words }

func (b *Bitmap[I]) Test(i I) bool {
	if i >= b.nbits {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set sets bit i, and returns whether it was previously clear.
func (b *Bitmap[I]) Set(i I) bool {
	if i >= b.nbits || b.Test(i) {
		return false
	}
	b.words[i/64] |= 1 << (i % 64)
	b.nset++
	return true
}

// Clear clears bit i, and returns whether it was previously set.
func (b *Bitmap[I]) Clear(i I) bool {
	if !b.Test(i) {
		return false
	}
	b.words[i/64] &^= 1 << (i % 64)
	b.nset--
	return true
}

func (b *Bitmap[I]) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.nset = 0
}

// FindFirstClear returns the lowest clear bit at or after start.
func (b *Bitmap[I]) FindFirstClear(start I) (I, bool) {
	n := uint64(b.nbits)
	for i := uint64(start); i < n; {
		w := ^b.words[i/64] >> (i % 64)
		if w == 0 {
			i = (i/64 + 1) * 64
			continue
		}
		i += uint64(bits.TrailingZeros64(w))
		if i >= n {
			break
		}
		return I(i), true
	}
	return 0, false
}

// SetBits returns every set bit, in ascending order.
func (b *Bitmap[I]) SetBits() []I {
	ret := make([]I, 0, b.nset)
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			ret = append(ret, I(wi*64+tz))
			w &^= 1 << tz
		}
	}
	return ret
}
