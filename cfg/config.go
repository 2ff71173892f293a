// Copyright 2025 The pmfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg holds the process-wide tunables of the pmfs library. All
// values can be set through the environment with a PMFS_ prefix, read once
// at library init; tests and embedders may also construct a Config
// directly and hand it to fs.Mkfs / fs.OpenPool.
package cfg

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Contention levels select the lock implementation used by every lock in
// the process (file handle locks, inode locks, superblock locks).
const (
	ContentionNone     = 0 // no locking at all; single-threaded use only
	ContentionSpin     = 1 // plain spin lock
	ContentionTrySpin  = 2 // try-spin with yield
	ContentionURWSpin  = 3 // user-space rwlock for nodes, try-spin for handles
	ContentionURWMutex = 4 // user-space rwlock for nodes, mutex for handles
	ContentionMutex    = 5 // sync.RWMutex / sync.Mutex

	MaxContentionLevel = ContentionMutex
)

type Config struct {
	// BlockSize overrides the write-size based block sizing heuristic.
	// Zero keeps the heuristic.
	BlockSize uint64

	// OptListWalk enables O(1) skipping over completely filled block
	// arrays during offset walks.
	OptListWalk bool

	// OptTreeWalk enables the per-handle offset index used for O(log n)
	// position lookups.
	OptTreeWalk bool

	// ContentionLevel selects the lock family, 0..5. Out of range values
	// are fatal.
	ContentionLevel int

	// TrackData makes writes snapshot the overwritten bytes so that an
	// aborted transaction restores previous file contents.
	TrackData bool

	// ReplaceBlocks makes a write that covers a whole block free and
	// reallocate the block's storage instead of snapshotting it. Only
	// meaningful together with TrackData.
	ReplaceBlocks bool

	// TrackPaths remembers one reachable path per inode for log messages.
	TrackPaths bool

	LogLevel  string
	LogFile   string
	LogFormat string
}

// Default returns the built-in configuration: 2 MiB blocks, tree walk on,
// full mutex locking, no data tracking.
func Default() *Config {
	return &Config{
		BlockSize:       2 << 20,
		OptTreeWalk:     true,
		ContentionLevel: ContentionMutex,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

var (
	loadOnce sync.Once
	loaded   *Config
)

// Load reads the configuration from the environment. The result is
// computed once and shared; it must not be mutated by callers.
func Load() *Config {
	loadOnce.Do(func() {
		loaded = fromEnv()
	})
	return loaded
}

func fromEnv() *Config {
	d := Default()

	v := viper.New()
	v.SetEnvPrefix("pmfs")
	v.AutomaticEnv()
	v.SetDefault("block_size", d.BlockSize)
	v.SetDefault("opt_list_walk", false)
	v.SetDefault("opt_tree_walk", d.OptTreeWalk)
	v.SetDefault("contention_level", d.ContentionLevel)
	v.SetDefault("track_data", false)
	v.SetDefault("replace_blocks", false)
	v.SetDefault("track_paths", false)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("log_format", d.LogFormat)

	c := &Config{
		BlockSize:       v.GetUint64("block_size"),
		OptListWalk:     v.GetBool("opt_list_walk"),
		OptTreeWalk:     v.GetBool("opt_tree_walk"),
		ContentionLevel: v.GetInt("contention_level"),
		TrackData:       v.GetBool("track_data"),
		ReplaceBlocks:   v.GetBool("replace_blocks"),
		TrackPaths:      v.GetBool("track_paths"),
		LogLevel:        v.GetString("log_level"),
		LogFile:         v.GetString("log_file"),
		LogFormat:       v.GetString("log_format"),
	}
	c.Validate()
	return c
}

// Validate panics on settings that have no safe fallback.
func (c *Config) Validate() {
	if c.ContentionLevel < ContentionNone || c.ContentionLevel > MaxContentionLevel {
		panic(fmt.Sprintf("cfg: invalid contention level %d", c.ContentionLevel))
	}
}
