// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

type Stats interface {
	comparable
	fmt.Stringer
}

// Progress periodically logs the most recent value passed to Set,
// skipping the log line if nothing changed since the last one.
type Progress[T Stats] struct {
	ctx      context.Context //nolint:containedctx // For logging from the background goroutine
	lvl      dlog.LogLevel
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	cur     T
	oldLine string
}

func NewProgress[T Stats](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,

		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *Progress[T]) Set(val T) {
	p.mu.Lock()
	p.cur = val
	start := !p.started
	p.started = true
	p.mu.Unlock()
	if start {
		go p.run()
	}
}

// Done logs the final value (if any) and stops the background
// goroutine.
func (p *Progress[T]) Done() {
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.started = true
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *Progress[T]) flush() {
	p.mu.Lock()
	line := p.cur.String()
	changed := line != p.oldLine
	p.oldLine = line
	p.mu.Unlock()
	if changed {
		dlog.Log(p.ctx, p.lvl, line)
	}
}

func (p *Progress[T]) run() {
	defer close(p.done)
	p.flush()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.flush()
			return
		case <-ticker.C:
			p.flush()
		}
	}
}
