// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/stripemap-ng/lib/blkaddr"
	"git.lukeshu.com/stripemap-ng/lib/journal"
	"git.lukeshu.com/stripemap-ng/lib/metafs"
)

const ConfigFileName = "array.json"

type VolumeConfig struct {
	ID      blkaddr.VolumeID `json:"id"`
	NumBlks uint64           `json:"num_blks"`
}

// Config describes an array.  It is written once by Format, and read
// back by every later mount.
type Config struct {
	Geometry   blkaddr.Geometry `json:"geometry"`
	NumMembers int              `json:"num_members"`
	MpageSize  int64            `json:"mpage_size"`
	Journal    journal.Config   `json:"journal"`
	// Volumes are the volumes that Format creates.  Volumes
	// created or deleted later are not reflected here.
	Volumes []VolumeConfig `json:"volumes"`
}

var ErrBadConfig = errors.New("bad array configuration")

// DefaultConfig is a small array, suitable for tests and for trying
// things out.
func DefaultConfig() Config {
	return Config{
		Geometry: blkaddr.Geometry{
			BlockSize:         blkaddr.DefaultBlockSize,
			BlksPerStripe:     64,
			StripesPerSegment: 16,
			NumUserSegments:   32,
			NumWbStripes:      16,
		},
		NumMembers: 4,
		MpageSize:  4096,
		Journal: journal.Config{
			LogBufferSize: 1 << 20,
			NumLogGroups:  journal.DefaultNumLogGroups,
		},
		Volumes: []VolumeConfig{
			{ID: 0, NumBlks: 16 << 10},
		},
	}
}

// Normalize validates cfg and fills in defaults.
func (cfg Config) Normalize() (Config, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if cfg.NumMembers == 0 {
		cfg.NumMembers = 1
	}
	if cfg.NumMembers < 0 || cfg.Geometry.BlksPerStripe%uint32(cfg.NumMembers) != 0 {
		return cfg, fmt.Errorf("%w: %d blocks per stripe do not divide over %d members",
			ErrBadConfig, cfg.Geometry.BlksPerStripe, cfg.NumMembers)
	}
	if cfg.MpageSize <= 0 || cfg.MpageSize%8 != 0 {
		return cfg, fmt.Errorf("%w: mpage size %d is not a positive multiple of 8", ErrBadConfig, cfg.MpageSize)
	}
	jcfg, err := cfg.Journal.Normalize(cfg.MpageSize)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	cfg.Journal = jcfg
	seen := make(map[blkaddr.VolumeID]struct{}, len(cfg.Volumes))
	for _, vol := range cfg.Volumes {
		if vol.ID >= blkaddr.MaxVolumes {
			return cfg, fmt.Errorf("%w: volume id %d out of range", ErrBadConfig, vol.ID)
		}
		if vol.NumBlks == 0 {
			return cfg, fmt.Errorf("%w: volume %d has no blocks", ErrBadConfig, vol.ID)
		}
		if _, dup := seen[vol.ID]; dup {
			return cfg, fmt.Errorf("%w: volume %d listed twice", ErrBadConfig, vol.ID)
		}
		seen[vol.ID] = struct{}{}
	}
	return cfg, nil
}

func ReadConfig(r io.Reader) (Config, error) {
	var cfg Config
	if err := lowmemjson.NewDecoder(bufio.NewReader(r)).DecodeThenEOF(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return cfg, nil
}

func WriteConfig(w io.Writer, cfg Config) error {
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(w, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})).Encode(cfg)
}

// SaveConfig stores cfg in the array's metadata store.
func SaveConfig(store metafs.Store, cfg Config) error {
	var buf bytes.Buffer
	if err := WriteConfig(&buf, cfg); err != nil {
		return err
	}
	file, err := store.Create(ConfigFileName, int64(buf.Len()))
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(buf.Bytes(), 0); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// LoadConfig reads back what SaveConfig stored.
func LoadConfig(store metafs.Store) (Config, error) {
	file, err := store.Open(ConfigFileName)
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = file.Close() }()
	buf := make([]byte, file.Size())
	if _, err := file.ReadAt(buf, 0); err != nil {
		return Config{}, err
	}
	cfg, err := ReadConfig(bytes.NewReader(buf))
	if err != nil {
		return Config{}, err
	}
	return cfg.Normalize()
}
