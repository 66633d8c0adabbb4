// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/stripemap-ng/lib/profile"
)

func TestAddFlags(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	stop := profile.AddFlags(flags, "profile.")
	heap := filepath.Join(dir, "heap.out")
	require.NoError(t, flags.Parse([]string{"--profile.heap=" + heap}))
	assert.Equal(t, heap, flags.Lookup("profile.heap").Value.String())
	assert.Equal(t, "", flags.Lookup("profile.mutex").Value.String())

	require.NoError(t, stop())
	fi, err := os.Stat(heap)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())

	// nothing left to stop
	assert.NoError(t, stop())
}
