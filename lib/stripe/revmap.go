// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package stripe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
)

// RevMapEntry is the logical address that last wrote a block.
type RevMapEntry struct {
	Vol blkaddr.VolumeID
	RBA blkaddr.RBA
}

var UnsetRevMapEntry = RevMapEntry{Vol: ^blkaddr.VolumeID(0), RBA: ^blkaddr.RBA(0)}

func (e RevMapEntry) IsSet() bool { return e != UnsetRevMapEntry }

var ErrRevMapOffset = errors.New("reverse map offset out of range")

// ReverseMap maps each block offset of one stripe back to the
// (volume, RBA) that wrote it.
type ReverseMap struct {
	store *RevMapStore
	vsid  blkaddr.StripeID

	mu      sync.Mutex
	entries []RevMapEntry
}

func (rm *ReverseMap) VSID() blkaddr.StripeID { return rm.vsid }

func (rm *ReverseMap) Set(offset blkaddr.BlkOffset, rba blkaddr.RBA, vol blkaddr.VolumeID) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if int(offset) >= len(rm.entries) {
		return fmt.Errorf("%w: %d >= %d", ErrRevMapOffset, offset, len(rm.entries))
	}
	rm.entries[offset] = RevMapEntry{Vol: vol, RBA: rba}
	return nil
}

func (rm *ReverseMap) Get(offset blkaddr.BlkOffset) RevMapEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if int(offset) >= len(rm.entries) {
		return UnsetRevMapEntry
	}
	return rm.entries[offset]
}

// Entries returns a copy of every entry, indexed by offset.
func (rm *ReverseMap) Entries() []RevMapEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]RevMapEntry(nil), rm.entries...)
}

const revMapMark = 0x5256_4d50 // "RVMP"

// Layout, in 8-byte words:
//
//	revMapMark<<32 | vsid
//	(vol, rba) for each offset
func (rm *ReverseMap) encode() []byte {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	enc := marshal.NewEnc(uint64(rm.store.entrySize))
	enc.PutInt(revMapMark<<32 | uint64(rm.vsid))
	for _, ent := range rm.entries {
		enc.PutInt(uint64(ent.Vol))
		enc.PutInt(uint64(ent.RBA))
	}
	return enc.Finish()
}

// Flush writes the reverse map to its slot in the reverse-map file.
func (rm *ReverseMap) Flush(cb func(error)) error {
	return rm.store.file.AsyncIO(&metafs.AsyncIORequest{
		Dir:      metafs.DirWrite,
		Offset:   rm.store.offsetOf(rm.vsid),
		Buf:      rm.encode(),
		Callback: cb,
	})
}

// RevMapStore persists one ReverseMap per VSID in a single metadata
// file, the map for VSID n at n*EntrySize.
type RevMapStore struct {
	file          *metafs.MetaFile
	blksPerStripe uint32
	numStripes    uint32
	entrySize     int64
}

const RevMapFileName = "revmap.bin"

func NewRevMapStore(file *metafs.MetaFile, geo blkaddr.Geometry) *RevMapStore {
	return &RevMapStore{
		file:          file,
		blksPerStripe: geo.BlksPerStripe,
		numStripes:    geo.NumUserStripes(),
		entrySize:     (1 + 2*int64(geo.BlksPerStripe)) * 8,
	}
}

func (st *RevMapStore) EntrySize() int64 { return st.entrySize }

func (st *RevMapStore) offsetOf(vsid blkaddr.StripeID) int64 {
	return int64(vsid) * st.entrySize
}

// Init opens the reverse-map file, creating it if it does not exist.
func (st *RevMapStore) Init() error {
	if st.file.DoesFileExist() {
		return st.file.Open()
	}
	return st.file.Create(int64(st.numStripes) * st.entrySize)
}

func (st *RevMapStore) Close() error { return st.file.Close() }

// New returns an empty ReverseMap for vsid.
func (st *RevMapStore) New(vsid blkaddr.StripeID) *ReverseMap {
	entries := make([]RevMapEntry, st.blksPerStripe)
	for i := range entries {
		entries[i] = UnsetRevMapEntry
	}
	return &ReverseMap{
		store:   st,
		vsid:    vsid,
		entries: entries,
	}
}

// Load reads the persisted reverse map for vsid.  A slot that was
// never written, or that holds some other stripe's map, yields an
// empty map.
func (st *RevMapStore) Load(vsid blkaddr.StripeID) (*ReverseMap, error) {
	if uint32(vsid) >= st.numStripes {
		return nil, fmt.Errorf("reverse map for stripe %v: %w", vsid, ErrRevMapOffset)
	}
	buf := make([]byte, st.entrySize)
	if err := st.file.IssueIO(metafs.DirRead, st.offsetOf(vsid), buf); err != nil {
		return nil, err
	}
	rm := st.New(vsid)
	dec := marshal.NewDec(buf)
	if dec.GetInt() != revMapMark<<32|uint64(vsid) {
		return rm, nil
	}
	for i := range rm.entries {
		rm.entries[i] = RevMapEntry{
			Vol: blkaddr.VolumeID(dec.GetInt()),
			RBA: blkaddr.RBA(dec.GetInt()),
		}
	}
	return rm, nil
}
