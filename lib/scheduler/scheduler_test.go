// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

func startScheduler(t *testing.T, workers int) (context.Context, *scheduler.Scheduler) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	sched := scheduler.New(workers)
	sched.Start(ctx)
	t.Cleanup(func() {
		assert.NoError(t, sched.Stop())
	})
	return ctx, sched
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	ctx, sched := startScheduler(t, 4)
	var cnt atomic.Int64
	for i := 0; i < 1000; i++ {
		sched.EnqueueEvent(scheduler.EventFunc(func(context.Context) bool {
			cnt.Add(1)
			return true
		}))
	}
	require.NoError(t, sched.WaitIdle(ctx))
	assert.Equal(t, int64(1000), cnt.Load())
}

func TestRetry(t *testing.T) {
	t.Parallel()
	ctx, sched := startScheduler(t, 2)
	var attempts atomic.Int64
	sched.EnqueueEvent(scheduler.EventFunc(func(context.Context) bool {
		return attempts.Add(1) >= 3
	}))
	require.NoError(t, sched.WaitIdle(ctx))
	assert.Equal(t, int64(3), attempts.Load())
}

func TestPanic(t *testing.T) {
	t.Parallel()
	ctx, sched := startScheduler(t, 1)
	sched.EnqueueEvent(scheduler.EventFunc(func(context.Context) bool {
		panic("boom")
	}))
	var ran atomic.Bool
	sched.EnqueueEvent(scheduler.EventFunc(func(context.Context) bool {
		ran.Store(true)
		return true
	}))
	require.NoError(t, sched.WaitIdle(ctx))
	assert.Equal(t, int64(1), sched.Panics())
	assert.True(t, ran.Load())
}

func TestWait(t *testing.T) {
	t.Parallel()
	ctx, sched := startScheduler(t, 2)
	errBoom := errors.New("boom")
	err := scheduler.Wait(ctx, func(done func(error)) {
		sched.Complete(done, errBoom)
	})
	assert.ErrorIs(t, err, errBoom)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = scheduler.Wait(ctx, func(func(error)) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
