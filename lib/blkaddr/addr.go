// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkaddr defines the address types shared by the allocator,
// the mapper, and the journal.
package blkaddr

import (
	"fmt"
	"io"
	"strconv"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/stripemap-ng/lib/fmtutil"
)

type (
	// RBA is a block address relative to the start of a volume.
	RBA uint64
	// StripeID is either a VSID or an LSID, depending on context.
	StripeID  uint32
	BlkOffset uint32
	VolumeID  uint32
	SegmentID uint32
)

const (
	UnmapStripe StripeID  = 0xFFFF_FFFF
	UnmapOffset BlkOffset = 0xFFFF_FFFF

	MaxVolumes = 256
)

func formatAddr(addr uint64, width int, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#0*x", width, addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a RBA) Format(f fmt.State, verb rune)       { formatAddr(uint64(a), 16, f, verb) }
func (id StripeID) Format(f fmt.State, verb rune) { formatAddr(uint64(id), 8, f, verb) }

func (a RBA) Add(n uint64) RBA { return a + RBA(n) }

// VSA is a virtual block address: the stable coordinate that a block
// map entry resolves to.
type VSA struct {
	StripeID StripeID
	Offset   BlkOffset
}

var UnmapVSA = VSA{StripeID: UnmapStripe, Offset: UnmapOffset}

func (vsa VSA) IsUnmapped() bool { return vsa.StripeID == UnmapStripe }

func (vsa VSA) Add(n uint32) VSA {
	return VSA{StripeID: vsa.StripeID, Offset: vsa.Offset + BlkOffset(n)}
}

func (vsa VSA) String() string {
	if vsa.IsUnmapped() {
		return "vsa(unmapped)"
	}
	return fmt.Sprintf("vsa(%d+%d)", vsa.StripeID, vsa.Offset)
}

// Pack returns the uint64 representation used in map pages.
func (vsa VSA) Pack() uint64 {
	return uint64(vsa.StripeID)<<32 | uint64(vsa.Offset)
}

func UnpackVSA(v uint64) VSA {
	return VSA{
		StripeID: StripeID(v >> 32),
		Offset:   BlkOffset(v),
	}
}

var _ lowmemjson.Encodable = VSA{}

// EncodeJSON implements lowmemjson.Encodable.
func (vsa VSA) EncodeJSON(w io.Writer) error {
	if vsa.IsUnmapped() {
		_, err := io.WriteString(w, "null")
		return err
	}
	_, err := fmt.Fprintf(w, `{"stripe":%d,"offset":%d}`, vsa.StripeID, vsa.Offset)
	return err
}

// VirtualBlks is a contiguous run of blocks within a single stripe.
type VirtualBlks struct {
	Start   VSA
	NumBlks uint32
}

func (vb VirtualBlks) String() string {
	return fmt.Sprintf("%v[%d]", vb.Start, vb.NumBlks)
}

// StripeLoc says where the content of a stripe currently lives.
type StripeLoc uint32

const (
	InWriteBufferArea StripeLoc = iota
	InUserArea
)

func (loc StripeLoc) String() string {
	switch loc {
	case InWriteBufferArea:
		return "WB"
	case InUserArea:
		return "USER"
	default:
		return "StripeLoc(" + strconv.FormatUint(uint64(loc), 10) + ")"
	}
}

// StripeAddr is the value of a stripe map entry.
type StripeAddr struct {
	Loc StripeLoc
	ID  StripeID
}

var UnmapStripeAddr = StripeAddr{Loc: InWriteBufferArea, ID: UnmapStripe}

func (a StripeAddr) IsUnmapped() bool { return a.ID == UnmapStripe }

func (a StripeAddr) String() string {
	if a.IsUnmapped() {
		return "stripe(unmapped)"
	}
	return fmt.Sprintf("%v:%d", a.Loc, a.ID)
}

func (a StripeAddr) Pack() uint64 {
	return uint64(a.Loc)<<32 | uint64(a.ID)
}

func UnpackStripeAddr(v uint64) StripeAddr {
	return StripeAddr{
		Loc: StripeLoc(v >> 32),
		ID:  StripeID(v),
	}
}

var _ lowmemjson.Encodable = StripeAddr{}

// EncodeJSON implements lowmemjson.Encodable.
func (a StripeAddr) EncodeJSON(w io.Writer) error {
	if a.IsUnmapped() {
		_, err := io.WriteString(w, "null")
		return err
	}
	_, err := fmt.Fprintf(w, `{"loc":%q,"id":%d}`, a.Loc.String(), a.ID)
	return err
}
