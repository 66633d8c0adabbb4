// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"git.lukeshu.com/stripemap-ng/lib/fmtutil"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like `fmt.Fprintf`, but (1) includes the extensions of
// `golang.org/x/text/message.Printer`, and (2) is useful for marking
// when a print call is part of the UI, rather than something
// internal.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is like `fmt.Sprintf`, but (1) includes the extensions of
// `golang.org/x/text/message.Printer`, and (2) is useful for marking
// when a sprint call is part of the UI, rather than something
// internal.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

////////////////////////////////////////////////////////////////////////////////

// Humanized wraps a value such that formatting of it can make use of
// the `golang.org/x/text/message.Printer` extensions even when used
// with plain-old `fmt`.
func Humanized(x any) any {
	return humanized{val: x}
}

type humanized struct {
	val any
}

var (
	_ fmt.Formatter = humanized{}
	_ fmt.Stringer  = humanized{}
)

// Format implements fmt.Formatter.
func (h humanized) Format(f fmt.State, verb rune) {
	_, _ = printer.Fprintf(f, fmtutil.FmtStateString(f, verb), h.val)
}

// String implements fmt.Stringer.
func (h humanized) String() string {
	return fmt.Sprint(h)
}

////////////////////////////////////////////////////////////////////////////////

// Portion renders a fraction N/D as both a percentage and
// parenthetically as the exact fractional value, rendered with
// human-friendly commas.
//
// For example:
//
//	fmt.Sprint(Portion[int]{N: 1, D: 12345}) ⇒ "0% (1/12,345)"
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

// String implements fmt.Stringer.
func (p Portion[T]) String() string {
	pct := uint64(100)
	if p.D > 0 {
		pct = (uint64(p.N) * 100) / uint64(p.D)
	}
	return printer.Sprintf("%d%% (%v/%v)", pct, uint64(p.N), uint64(p.D))
}

////////////////////////////////////////////////////////////////////////////////

type iec struct {
	Val  float64
	Unit string
}

var (
	_ fmt.Formatter = iec{}
	_ fmt.Stringer  = iec{}
)

// IEC renders a quantity with a binary (Ki, Mi, ...) prefix; it is
// mostly used for byte counts.
func IEC[T constraints.Integer | constraints.Float](x T, unit string) iec {
	return iec{
		Val:  float64(x),
		Unit: unit,
	}
}

var iecPrefixes = []string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}

// Format implements fmt.Formatter.
func (v iec) Format(f fmt.State, verb rune) {
	val := v.Val
	var prefix string
	if !math.IsNaN(val) {
		for i := 0; math.Abs(val) >= 1024 && i < len(iecPrefixes); i++ {
			val /= 1024
			prefix = iecPrefixes[i]
		}
	}
	suffix := prefix + v.Unit

	var wrapped any = val
	var options []number.Option
	format := fmtutil.FmtStateString(f, verb)
	if width, ok := f.Width(); ok {
		width -= utf8.RuneCountInString(suffix)
		options = append(options, number.FormatWidth(width))
		format = fmtutil.FmtStateStringWidth(f, verb, width)
	}
	if prec, ok := f.Precision(); ok {
		options = append(options, number.Precision(prec))
	}
	if !math.IsNaN(val) {
		wrapped = number.Decimal(val, options...)
	}
	_, _ = printer.Fprintf(f, format+"%s", wrapped, suffix)
}

// String implements fmt.Stringer.
func (v iec) String() string {
	return fmt.Sprint(v)
}
