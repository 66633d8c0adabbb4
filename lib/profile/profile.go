// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile adds command-line flags that write Go runtime
// profiles of a stripemap run to files.
package profile

import (
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

func startCPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

func startTrace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// startNamed snapshots the named profile at shutdown.
func startNamed(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

// Profiles are the profiles that AddFlags offers, keyed by flag
// suffix.
var Profiles = []struct {
	Name  string
	start startFunc
}{
	{"cpu", startCPU},
	{"trace", startTrace},
	{"goroutine", startNamed("goroutine")},
	{"heap", startNamed("heap")},
	{"allocs", startNamed("allocs")},
	{"block", startNamed("block")},
	{"mutex", startNamed("mutex")},
}

type session struct {
	stops []StopFunc
}

func (s *session) stop() error {
	var errs derror.MultiError
	for i := len(s.stops) - 1; i >= 0; i-- {
		if err := s.stops[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.stops = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	sess     *session
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

func (*flagValue) Type() string     { return "filename" }
func (v *flagValue) String() string { return v.filename }

func (v *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := v.start(fh)
	if err != nil {
		_ = fh.Close()
		return err
	}
	v.filename = filename
	v.sess.stops = append(v.sess.stops, func() error {
		err := stop()
		if closeErr := fh.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	return nil
}

// AddFlags adds a "--{prefix}{name}=FILE" flag for each of Profiles,
// and returns the function that finishes every profile that was
// started; call it at shutdown.
func AddFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	sess := new(session)
	for _, prof := range Profiles {
		name := prefix + prof.Name
		flags.Var(&flagValue{sess: sess, start: prof.start}, name,
			"write a "+prof.Name+" profile to the file `"+prof.Name+".out`")
		_ = cobra.MarkFlagFilename(flags, name)
	}
	return sess.stop
}
