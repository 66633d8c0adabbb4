// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

// InspectLog reads the log buffer of the array in store without
// mounting it, and returns its records along with the replay plan
// that the next mount would apply.  Nothing is written.
func InspectLog(ctx context.Context, store metafs.Store, sched *scheduler.Scheduler) ([]journal.Record, *journal.Plan, error) {
	cfg, err := LoadConfig(store)
	if err != nil {
		return nil, nil, err
	}
	jrnl, err := journal.New(store, sched, nil, cfg.Journal, cfg.MpageSize)
	if err != nil {
		return nil, nil, err
	}
	if err := jrnl.Open(ctx); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := jrnl.Close(); err != nil {
			dlog.Errorf(ctx, "close log buffer: %v", err)
		}
	}()
	recs, err := jrnl.ReadRecords(ctx)
	if err != nil {
		return nil, nil, err
	}
	return recs, journal.BuildPlan(cfg.Geometry, recs), nil
}
