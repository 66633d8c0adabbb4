// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fmtutil

import (
	"fmt"
	"strings"
)

// FmtStateString returns the fmt.Printf string that produced a given
// fmt.State and verb.
func FmtStateString(st fmt.State, verb rune) string {
	width, ok := st.Width()
	if !ok {
		width = -1
	}
	return FmtStateStringWidth(st, verb, width)
}

// FmtStateStringWidth is like FmtStateString, but overrides the
// width; a negative width means "no width".
func FmtStateStringWidth(st fmt.State, verb rune, width int) string {
	var ret strings.Builder
	ret.WriteByte('%')
	for _, flag := range []int{'-', '+', '#', ' ', '0'} {
		if st.Flag(flag) {
			ret.WriteByte(byte(flag))
		}
	}
	if width >= 0 {
		fmt.Fprintf(&ret, "%v", width)
	}
	if prec, ok := st.Precision(); ok {
		if prec == 0 {
			ret.WriteByte('.')
		} else {
			fmt.Fprintf(&ret, ".%v", prec)
		}
	}
	ret.WriteRune(verb)
	return ret.String()
}
