// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/arraydev"
	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

var testGeo = blkaddr.Geometry{
	BlockSize:         512,
	BlksPerStripe:     8,
	StripesPerSegment: 4,
	NumUserSegments:   2,
	NumWbStripes:      4,
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	tr, err := arraydev.NewChunkedTranslator(testGeo, 2)
	require.NoError(t, err)
	assert.Equal(t, int64((4+8)*2048), tr.MemberSize())

	paddr, maxlen, err := tr.Translate(arraydev.PartitionUserData, arraydev.LSA{StripeID: 2, Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, arraydev.PhysicalAddr{Member: 1, Offset: 8192 + 4096 + 512}, paddr)
	assert.Equal(t, uint32(3), maxlen)

	exts, err := tr.Convert(arraydev.PartitionWriteBuffer, arraydev.LSA{StripeID: 1, Offset: 2}, 4)
	require.NoError(t, err)
	assert.Equal(t, []arraydev.Extent{
		{PhysicalAddr: arraydev.PhysicalAddr{Member: 0, Offset: 2048 + 1024}, BufBlk: 0, NumBlks: 2},
		{PhysicalAddr: arraydev.PhysicalAddr{Member: 1, Offset: 2048}, BufBlk: 2, NumBlks: 2},
	}, exts)
}

func TestTranslateErrors(t *testing.T) {
	t.Parallel()
	tr, err := arraydev.NewChunkedTranslator(testGeo, 2)
	require.NoError(t, err)

	_, _, err = tr.Translate(arraydev.PartitionWriteBuffer, arraydev.LSA{StripeID: 4})
	assert.ErrorIs(t, err, arraydev.ErrOutOfRange)
	_, _, err = tr.Translate(arraydev.PartitionUserData, arraydev.LSA{StripeID: 0, Offset: 8})
	assert.ErrorIs(t, err, arraydev.ErrOutOfRange)
	_, _, err = tr.Translate(arraydev.Partition(7), arraydev.LSA{})
	assert.ErrorIs(t, err, arraydev.ErrBadPartition)
	_, err = tr.Convert(arraydev.PartitionWriteBuffer, arraydev.LSA{StripeID: 0, Offset: 6}, 3)
	assert.ErrorIs(t, err, arraydev.ErrCrossesStripe)

	_, err = arraydev.NewChunkedTranslator(testGeo, 3)
	assert.ErrorIs(t, err, arraydev.ErrBadLayout)
}

func newDevice(t *testing.T, store metafs.Store) *arraydev.Device {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	sched := scheduler.New(2)
	sched.Start(ctx)
	t.Cleanup(func() { assert.NoError(t, sched.Stop()) })
	tr, err := arraydev.NewChunkedTranslator(testGeo, 2)
	require.NoError(t, err)
	dev, err := arraydev.Open(store, sched, testGeo, tr)
	require.NoError(t, err)
	return dev
}

func TestDeviceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	store := metafs.NewMemStore()
	dev := newDevice(t, store)

	a := bytes.Repeat([]byte{'a'}, 2*512)
	b := bytes.Repeat([]byte{'b'}, 4*512)
	lsa := arraydev.LSA{StripeID: 3, Offset: 1}
	require.NoError(t, dev.SyncIO(ctx, metafs.DirWrite, [][]byte{a, b}, lsa, 6, arraydev.PartitionUserData))
	require.NoError(t, dev.Close())

	dev = newDevice(t, store)
	got := make([]byte, 6*512)
	require.NoError(t, dev.SyncIO(ctx, metafs.DirRead, [][]byte{got}, lsa, 6, arraydev.PartitionUserData))
	assert.Equal(t, append(append([]byte(nil), a...), b...), got)

	// the same LSID in the other partition is untouched
	other := make([]byte, 6*512)
	require.NoError(t, dev.SyncIO(ctx, metafs.DirRead, [][]byte{other}, lsa, 6, arraydev.PartitionWriteBuffer))
	assert.Equal(t, make([]byte, 6*512), other)
	require.NoError(t, dev.Close())
}

func TestDeviceErrors(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	store := metafs.NewMemStore()
	dev := newDevice(t, store)
	defer func() { assert.NoError(t, dev.Close()) }()

	err := dev.SubmitAsyncIO(metafs.DirWrite, [][]byte{make([]byte, 100)}, arraydev.LSA{}, 1, arraydev.PartitionUserData, nil)
	assert.ErrorIs(t, err, arraydev.ErrBufferSize)
	err = dev.SubmitAsyncIO(metafs.DirWrite, [][]byte{make([]byte, 512)}, arraydev.LSA{}, 2, arraydev.PartitionUserData, nil)
	assert.ErrorIs(t, err, arraydev.ErrBufferSize)

	errInjected := errors.New("injected")
	store.InjectError(arraydev.MemberFileName(1), metafs.DirWrite, errInjected)
	err = dev.SyncIO(ctx, metafs.DirWrite, [][]byte{make([]byte, 8*512)}, arraydev.LSA{StripeID: 0}, 8, arraydev.PartitionWriteBuffer)
	assert.ErrorIs(t, err, errInjected)
}
