// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Set is an unordered set; iteration in a deterministic order goes
// through Sorted.
type Set[T constraints.Ordered] map[T]struct{}

var _ lowmemjson.Encodable = Set[int]{}

func NewSet[T constraints.Ordered](vals ...T) Set[T] {
	ret := make(Set[T], len(vals))
	for _, v := range vals {
		ret[v] = struct{}{}
	}
	return ret
}

// EncodeJSON implements lowmemjson.Encodable.
func (o Set[T]) EncodeJSON(w io.Writer) error {
	return lowmemjson.NewEncoder(w).Encode(o.Sorted())
}

func (o Set[T]) Insert(v T) {
	o[v] = struct{}{}
}

func (o Set[T]) InsertFrom(p Set[T]) {
	for v := range p {
		o[v] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (o Set[T]) Sorted() []T {
	ret := maps.Keys(o)
	slices.Sort(ret)
	return ret
}
