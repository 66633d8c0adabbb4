// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/stripemap-ng/lib/arrayio"
)

func readConfigFile(filename string) (arrayio.Config, error) {
	fh, err := openInput(filename)
	if err != nil {
		return arrayio.Config{}, err
	}
	defer func() {
		_ = fh.Close()
	}()
	// Start from the defaults, so that the file only needs to name
	// what it changes.
	cfg := arrayio.DefaultConfig()
	if err := lowmemjson.NewDecoder(bufio.NewReader(fh)).DecodeThenEOF(&cfg); err != nil {
		return arrayio.Config{}, err
	}
	return cfg, nil
}

func init() {
	var configFlag string
	var printFlag bool
	cmd := offlineCommand{
		Command: cobra.Command{
			Use:   "format",
			Short: "Create a new, empty array",
			Long: "" +
				"Create a new array in the --dir directory.  The array's " +
				"shape comes from the JSON file named by --config; fields " +
				"that the file leaves out take their default values.",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(e env, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := arrayio.DefaultConfig()
			if configFlag != "" {
				var err error
				if cfg, err = readConfigFile(configFlag); err != nil {
					return err
				}
			}
			if printFlag {
				cfg, err := cfg.Normalize()
				if err != nil {
					return err
				}
				return arrayio.WriteConfig(os.Stdout, cfg)
			}
			if err := os.MkdirAll(e.Dir, 0o755); err != nil {
				return err
			}
			return arrayio.Format(ctx, cfg, e.Store, e.Sched)
		},
	}
	cmd.Flags().StringVar(&configFlag, "config", "", "read the array configuration from `config.json` (\"-\" for stdin)")
	if err := cmd.MarkFlagFilename("config", "json"); err != nil {
		panic(err)
	}
	cmd.Flags().BoolVar(&printFlag, "print-config", false, "print the configuration that would be used, and exit")
	offlineCommands = append(offlineCommands, cmd)
}
