// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mapper

import (
	"golang.org/x/exp/slices"
)

// PageRun is a run of consecutive page numbers.
type PageRun struct {
	Start PageNum
	Len   uint32
}

// FindSequentialRuns groups page numbers into runs of adjacent pages,
// so that each run can be moved with a single I/O.  The input need
// not be sorted, and may contain duplicates; it is not modified.
func FindSequentialRuns(pages []PageNum) []PageRun {
	if len(pages) == 0 {
		return nil
	}
	sorted := slices.Clone(pages)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	runs := []PageRun{{Start: sorted[0], Len: 1}}
	for _, page := range sorted[1:] {
		last := &runs[len(runs)-1]
		if page == last.Start+PageNum(last.Len) {
			last.Len++
		} else {
			runs = append(runs, PageRun{Start: page, Len: 1})
		}
	}
	return runs
}

// splitRuns breaks runs longer than max into pieces.
func splitRuns(runs []PageRun, max uint32) []PageRun {
	if max == 0 {
		return runs
	}
	var ret []PageRun
	for _, run := range runs {
		for run.Len > max {
			ret = append(ret, PageRun{Start: run.Start, Len: max})
			run.Start += PageNum(max)
			run.Len -= max
		}
		ret = append(ret, run)
	}
	return ret
}
