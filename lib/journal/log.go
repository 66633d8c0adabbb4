// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
)

// ValidMark is the upper half of the first word of every record.  A
// word without it ends the log.
const ValidMark = 0x4a4c_4f47 // "JLOG"

type LogType uint32

const (
	LogBlockWriteDone LogType = iota + 1
	LogStripeMapUpdated
	LogGcStripeFlushed
	LogVolumeDeleted
)

func (t LogType) String() string {
	switch t {
	case LogBlockWriteDone:
		return "block-write-done"
	case LogStripeMapUpdated:
		return "stripe-map-updated"
	case LogGcStripeFlushed:
		return "gc-stripe-flushed"
	case LogVolumeDeleted:
		return "volume-deleted"
	default:
		return fmt.Sprintf("LogType(%d)", uint32(t))
	}
}

// A Log is the body of one journal record.  The set of
// implementations is closed; see the Log* constants.
type Log interface {
	Type() LogType
	// numWords is the body size in 8-byte words.
	numWords() uint64
	encodeBody(enc marshal.Enc)
}

// recordHeaderWords is the mark/type word plus the sequence number.
const recordHeaderWords = 2

// Record is a Log as it sits in the log buffer.
type Record struct {
	Seq uint64
	Log Log
}

func recordSize(log Log) int64 {
	return int64(recordHeaderWords+log.numWords()) * 8
}

func encodeRecord(seq uint64, log Log) []byte {
	enc := marshal.NewEnc(uint64(recordSize(log)))
	enc.PutInt(uint64(ValidMark)<<32 | uint64(log.Type()))
	enc.PutInt(seq)
	log.encodeBody(enc)
	return enc.Finish()
}

// BlockWriteDoneLog records that NumBlks blocks of Vol starting at
// StartRBA were written to StartVSA, in write-buffer stripe WbLsid.
type BlockWriteDoneLog struct {
	Vol      blkaddr.VolumeID
	StartRBA blkaddr.RBA
	NumBlks  uint32
	StartVSA blkaddr.VSA
	WbLsid   blkaddr.StripeID
}

func (*BlockWriteDoneLog) Type() LogType    { return LogBlockWriteDone }
func (*BlockWriteDoneLog) numWords() uint64 { return 5 }

func (l *BlockWriteDoneLog) encodeBody(enc marshal.Enc) {
	enc.PutInt(uint64(l.Vol))
	enc.PutInt(uint64(l.StartRBA))
	enc.PutInt(uint64(l.NumBlks))
	enc.PutInt(l.StartVSA.Pack())
	enc.PutInt(uint64(l.WbLsid))
}

// StripeMapUpdatedLog records that a stripe moved from OldAddr to
// NewAddr.
type StripeMapUpdatedLog struct {
	VSID    blkaddr.StripeID
	OldAddr blkaddr.StripeAddr
	NewAddr blkaddr.StripeAddr
}

func (*StripeMapUpdatedLog) Type() LogType    { return LogStripeMapUpdated }
func (*StripeMapUpdatedLog) numWords() uint64 { return 3 }

func (l *StripeMapUpdatedLog) encodeBody(enc marshal.Enc) {
	enc.PutInt(uint64(l.VSID))
	enc.PutInt(l.OldAddr.Pack())
	enc.PutInt(l.NewAddr.Pack())
}

// GcBlockMapUpdate is one block moved by garbage collection.
type GcBlockMapUpdate struct {
	RBA blkaddr.RBA
	VSA blkaddr.VSA
}

// GcStripeFlushedLog records that garbage collection wrote stripe
// VSID straight to the user area, and repointed the listed blocks of
// Vol at it.
type GcStripeFlushedLog struct {
	VSID   blkaddr.StripeID
	Vol    blkaddr.VolumeID
	Blocks []GcBlockMapUpdate
}

func (*GcStripeFlushedLog) Type() LogType { return LogGcStripeFlushed }

func (l *GcStripeFlushedLog) numWords() uint64 { return 3 + 2*uint64(len(l.Blocks)) }

func (l *GcStripeFlushedLog) encodeBody(enc marshal.Enc) {
	enc.PutInt(uint64(l.VSID))
	enc.PutInt(uint64(l.Vol))
	enc.PutInt(uint64(len(l.Blocks)))
	for _, blk := range l.Blocks {
		enc.PutInt(uint64(blk.RBA))
		enc.PutInt(blk.VSA.Pack())
	}
}

type VolumeDeletedLog struct {
	Vol            blkaddr.VolumeID
	ContextVersion uint64
}

func (*VolumeDeletedLog) Type() LogType    { return LogVolumeDeleted }
func (*VolumeDeletedLog) numWords() uint64 { return 2 }

func (l *VolumeDeletedLog) encodeBody(enc marshal.Enc) {
	enc.PutInt(uint64(l.Vol))
	enc.PutInt(l.ContextVersion)
}

var (
	_ Log = (*BlockWriteDoneLog)(nil)
	_ Log = (*StripeMapUpdatedLog)(nil)
	_ Log = (*GcStripeFlushedLog)(nil)
	_ Log = (*VolumeDeletedLog)(nil)
)

// InvalidLogError is returned by the parser for a marked record of a
// type it does not know.  It is fatal to replay: nothing after it
// can be trusted.
type InvalidLogError struct {
	Offset int64
	Type   LogType
}

func (e *InvalidLogError) Error() string {
	return fmt.Sprintf("journal: invalid log at offset %d: unknown type %v", e.Offset, e.Type)
}

var ErrTruncatedLog = errors.New("journal: record runs past the end of its log group")

// decodeRecord decodes the record at the start of buf.  It returns
// ok=false if buf does not start with a marked word.
func decodeRecord(buf []byte, off int64) (rec Record, size int64, ok bool, err error) {
	if len(buf) < recordHeaderWords*8 {
		if len(buf) >= 8 && marshal.NewDec(buf[:8]).GetInt()>>32 == ValidMark {
			return Record{}, 0, true, fmt.Errorf("offset %d: %w", off, ErrTruncatedLog)
		}
		return Record{}, 0, false, nil
	}
	dec := marshal.NewDec(buf[:recordHeaderWords*8])
	word := dec.GetInt()
	if word>>32 != ValidMark {
		return Record{}, 0, false, nil
	}
	typ := LogType(uint32(word))
	rec.Seq = dec.GetInt()
	body := buf[recordHeaderWords*8:]
	need := func(words uint64) (marshal.Dec, error) {
		if uint64(len(body)) < words*8 {
			return marshal.Dec{}, fmt.Errorf("offset %d: %v: %w", off, typ, ErrTruncatedLog)
		}
		return marshal.NewDec(body[:words*8]), nil
	}
	switch typ {
	case LogBlockWriteDone:
		d, err := need(5)
		if err != nil {
			return Record{}, 0, true, err
		}
		rec.Log = &BlockWriteDoneLog{
			Vol:      blkaddr.VolumeID(d.GetInt()),
			StartRBA: blkaddr.RBA(d.GetInt()),
			NumBlks:  uint32(d.GetInt()),
			StartVSA: blkaddr.UnpackVSA(d.GetInt()),
			WbLsid:   blkaddr.StripeID(d.GetInt()),
		}
	case LogStripeMapUpdated:
		d, err := need(3)
		if err != nil {
			return Record{}, 0, true, err
		}
		rec.Log = &StripeMapUpdatedLog{
			VSID:    blkaddr.StripeID(d.GetInt()),
			OldAddr: blkaddr.UnpackStripeAddr(d.GetInt()),
			NewAddr: blkaddr.UnpackStripeAddr(d.GetInt()),
		}
	case LogGcStripeFlushed:
		d, err := need(3)
		if err != nil {
			return Record{}, 0, true, err
		}
		log := &GcStripeFlushedLog{
			VSID: blkaddr.StripeID(d.GetInt()),
			Vol:  blkaddr.VolumeID(d.GetInt()),
		}
		n := d.GetInt()
		if n > uint64(len(body))/16 {
			return Record{}, 0, true, fmt.Errorf("offset %d: %v with %d blocks: %w", off, typ, n, ErrTruncatedLog)
		}
		d, err = need(3 + 2*n)
		if err != nil {
			return Record{}, 0, true, err
		}
		d.GetInts(3)
		log.Blocks = make([]GcBlockMapUpdate, n)
		for i := range log.Blocks {
			log.Blocks[i] = GcBlockMapUpdate{
				RBA: blkaddr.RBA(d.GetInt()),
				VSA: blkaddr.UnpackVSA(d.GetInt()),
			}
		}
		rec.Log = log
	case LogVolumeDeleted:
		d, err := need(2)
		if err != nil {
			return Record{}, 0, true, err
		}
		rec.Log = &VolumeDeletedLog{
			Vol:            blkaddr.VolumeID(d.GetInt()),
			ContextVersion: d.GetInt(),
		}
	default:
		return Record{}, 0, true, &InvalidLogError{Offset: off, Type: typ}
	}
	return rec, recordSize(rec.Log), true, nil
}
