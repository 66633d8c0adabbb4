// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
	"git.lukeshu.com/stripemap-ng/lib/profile"
	"git.lukeshu.com/stripemap-ng/lib/scheduler"
	"git.lukeshu.com/stripemap-ng/lib/textui"
)

// env is what every subcommand runs with.
type env struct {
	Dir   string
	Store metafs.Store
	Sched *scheduler.Scheduler
}

// An offlineCommand works on the metadata store directly.
type offlineCommand struct {
	cobra.Command
	RunE func(env, *cobra.Command, []string) error
}

// An onlineCommand runs against a mounted array, which is unmounted
// cleanly when it returns.
type onlineCommand struct {
	cobra.Command
	RunE func(*arrayio.Array, *cobra.Command, []string) error
}

var (
	offlineCommands []offlineCommand
	onlineCommands  []onlineCommand
)

type storeFlags struct {
	dir         string
	direct      bool
	cacheBlocks int
}

func (f storeFlags) open() (metafs.Store, error) {
	if f.dir == "" {
		return nil, errors.New("--dir is required")
	}
	var store metafs.Store = metafs.DirStore{
		Dir:    f.dir,
		Direct: f.direct,
	}
	if f.cacheBlocks > 0 {
		store = metafs.CachedStore{
			Store:     store,
			BlockSize: 4096,
			CacheSize: f.cacheBlocks,
		}
	}
	return store, nil
}

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var stores storeFlags
	workersFlag := 4

	argparser := &cobra.Command{
		Use:   "stripemap {[flags]|SUBCOMMAND}",
		Short: "Manage a log-structured stripe-mapped block array",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&stores.dir, "dir", "", "keep the array's metadata and member files in `directory`")
	if err := argparser.MarkPersistentFlagDirname("dir"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().BoolVar(&stores.direct, "direct", false, "open files with O_DIRECT")
	argparser.PersistentFlags().IntVar(&stores.cacheBlocks, "cache", 0, "cache up to `N` 4KiB blocks of each file")
	argparser.PersistentFlags().IntVar(&workersFlag, "workers", workersFlag, "run `N` scheduler workers")
	stopProfiling := profile.AddFlags(argparser.PersistentFlags(), "profile.")

	run := func(cmd *cobra.Command, fn func(ctx context.Context, e env) error) error {
		ctx := cmd.Context()
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx = dlog.WithLogger(ctx, logger)
		dlog.SetFallbackLogger(logger.WithField("stripemap.THIS_IS_A_BUG", true))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}
			defer func() {
				maybeSetErr(stopProfiling())
			}()
			if workersFlag < 1 {
				return fmt.Errorf("--workers=%d: need at least one worker", workersFlag)
			}
			sched := scheduler.New(workersFlag)
			sched.Start(ctx)
			defer func() {
				maybeSetErr(sched.Stop())
			}()
			var store metafs.Store
			if cmd.Annotations["store"] != "none" {
				store, err = stores.open()
				if err != nil {
					return err
				}
			}
			cmd.SetContext(ctx)
			return fn(ctx, env{Dir: stores.dir, Store: store, Sched: sched})
		})
		return grp.Wait()
	}

	for _, child := range offlineCommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(_ context.Context, e env) error {
				return runE(e, cmd, args)
			})
		}
		argparser.AddCommand(&cmd)
	}
	for _, child := range onlineCommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e env) (err error) {
				array, err := arrayio.Open(ctx, e.Store, e.Sched)
				if err != nil {
					return err
				}
				defer func() {
					if _err := array.Unmount(ctx); _err != nil && err == nil {
						err = _err
					}
				}()
				return runE(array, cmd, args)
			})
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
