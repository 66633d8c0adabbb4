// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

// Tunable annotates a value as a knob (worker counts, cache sizes,
// progress intervals) that might want to be adjusted as the array
// gets profiled.
func Tunable[T any](x T) T {
	return x
}
