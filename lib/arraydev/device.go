// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
)

var ErrBufferSize = errors.New("buffers do not hold the requested block count")

func MemberFileName(i int) string {
	return fmt.Sprintf("member.%d.bin", i)
}

// Device issues block I/O against the array's members.  Each member
// is a file in a metafs.Store.
type Device struct {
	tr        Translator
	blockSize int64
	sched     *scheduler.Scheduler
	members   []*metafs.MetaFile
}

func newDevice(store metafs.Store, sched *scheduler.Scheduler, geo blkaddr.Geometry, tr Translator) *Device {
	dev := &Device{
		tr:        tr,
		blockSize: int64(geo.BlockSize),
		sched:     sched,
	}
	for i := 0; i < tr.NumMembers(); i++ {
		dev.members = append(dev.members, metafs.NewMetaFile(store, MemberFileName(i), sched))
	}
	return dev
}

// Open opens the members, creating any that do not exist yet.
func Open(store metafs.Store, sched *scheduler.Scheduler, geo blkaddr.Geometry, tr Translator) (*Device, error) {
	dev := newDevice(store, sched, geo, tr)
	for _, m := range dev.members {
		var err error
		if m.DoesFileExist() {
			err = m.Open()
			if err == nil && m.Size() < tr.MemberSize() {
				err = fmt.Errorf("member %q is %d bytes, layout needs %d: %w",
					m.Name(), m.Size(), tr.MemberSize(), ErrBadLayout)
			}
		} else {
			err = m.Create(tr.MemberSize())
		}
		if err != nil {
			_ = dev.Close()
			return nil, err
		}
	}
	return dev, nil
}

func (dev *Device) Translator() Translator { return dev.tr }

func (dev *Device) Close() error {
	var errs derror.MultiError
	for _, m := range dev.members {
		if !m.IsOpened() {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

// blockViews slices bufs into one view per block.
func (dev *Device) blockViews(bufs [][]byte, n uint32) ([][]byte, error) {
	views := make([][]byte, 0, n)
	for _, buf := range bufs {
		if int64(len(buf))%dev.blockSize != 0 {
			return nil, fmt.Errorf("%w: %d-byte buffer", ErrBufferSize, len(buf))
		}
		for off := int64(0); off < int64(len(buf)); off += dev.blockSize {
			views = append(views, buf[off:off+dev.blockSize])
		}
	}
	if uint32(len(views)) != n {
		return nil, fmt.Errorf("%w: have %d blocks, want %d", ErrBufferSize, len(views), n)
	}
	return views, nil
}

// SubmitAsyncIO reads or writes blkCount blocks at startLSA in part,
// to or from bufs (taken in order, each a whole number of blocks).
// The range must lie within one stripe.  cb is called once, on a
// scheduler worker, after every member I/O completes; if
// SubmitAsyncIO returns an error, cb is not called.
func (dev *Device) SubmitAsyncIO(dir metafs.Direction, bufs [][]byte, startLSA LSA, blkCount uint32, part Partition, cb func(error)) error {
	views, err := dev.blockViews(bufs, blkCount)
	if err != nil {
		return err
	}
	exts, err := dev.tr.Convert(part, startLSA, blkCount)
	if err != nil {
		return err
	}
	if len(exts) == 0 {
		dev.sched.Complete(cb, nil)
		return nil
	}

	var (
		pending  atomic.Int64
		errMu    sync.Mutex
		firstErr error
	)
	pending.Store(int64(len(exts)))
	for _, ext := range exts {
		ext := ext
		buf := make([]byte, int64(ext.NumBlks)*dev.blockSize)
		extViews := views[ext.BufBlk : ext.BufBlk+ext.NumBlks]
		if dir == metafs.DirWrite {
			for i, view := range extViews {
				copy(buf[int64(i)*dev.blockSize:], view)
			}
		}
		done := func(err error) {
			if err == nil && dir == metafs.DirRead {
				for i, view := range extViews {
					copy(view, buf[int64(i)*dev.blockSize:])
				}
			}
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%v %v on member %d: %w", part, startLSA, ext.Member, err)
				}
				errMu.Unlock()
			}
			if pending.Add(-1) != 0 {
				return
			}
			errMu.Lock()
			err = firstErr
			errMu.Unlock()
			cb(err)
		}
		if err := dev.members[ext.Member].AsyncIO(&metafs.AsyncIORequest{
			Dir:      dir,
			Offset:   ext.Offset,
			Buf:      buf,
			Callback: done,
		}); err != nil {
			dev.sched.Complete(done, err)
		}
	}
	return nil
}

// SyncIO is SubmitAsyncIO that waits for completion.  It must not be
// called from a scheduler worker.
func (dev *Device) SyncIO(ctx context.Context, dir metafs.Direction, bufs [][]byte, startLSA LSA, blkCount uint32, part Partition) error {
	return scheduler.Wait(ctx, func(done func(error)) {
		if err := dev.SubmitAsyncIO(dir, bufs, startLSA, blkCount, part, done); err != nil {
			done(err)
		}
	})
}
