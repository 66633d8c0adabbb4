// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a thread-safe, typed wrapper around an adaptive
// replacement cache.  A zero LRUCache is not usable; it must be
// initialized with NewLRUCache.
type LRUCache[K comparable, V any] struct {
	inner *lru.ARCCache
}

func NewLRUCache[K comparable, V any](size int) (*LRUCache[K, V], error) {
	inner, err := lru.NewARC(size)
	if err != nil {
		return nil, fmt.Errorf("containers.NewLRUCache(%d): %w", size, err)
	}
	return &LRUCache[K, V]{inner: inner}, nil
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	_value, ok := c.inner.Get(key)
	if ok {
		//nolint:forcetypeassert // Typed wrapper around untyped lib.
		value = _value.(V)
	}
	return value, ok
}

func (c *LRUCache[K, V]) Contains(key K) bool {
	return c.inner.Contains(key)
}

func (c *LRUCache[K, V]) Len() int {
	return c.inner.Len()
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.inner.Remove(key)
}

func (c *LRUCache[K, V]) Purge() {
	c.inner.Purge()
}

// GetOrLoad returns the cached value for key, calling fn to populate
// the cache on a miss.  Errors from fn are not cached.
func (c *LRUCache[K, V]) GetOrLoad(key K, fn func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Add(key, value)
	return value, nil
}
