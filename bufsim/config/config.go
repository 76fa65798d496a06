// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for bufsim. Each setting is a field of Config, set from a command line flag
// and optionally from a TOML file.
package config

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/buffercache"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/log"
)

// Config holds configuration that is not part of a simulation's arguments.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and, if it may appear in a config
//     file, a toml tag with its key.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the path of a TOML file with more settings. Flags set on
	// the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// StreamLeapFactor is buffercache.Options.StreamLeapFactor.
	StreamLeapFactor uint64 `flag:"stream-leap-factor" toml:"stream_leap_factor"`

	// StreamScoreThreshold is buffercache.Options.StreamScoreThreshold.
	StreamScoreThreshold int `flag:"stream-score-threshold" toml:"stream_score_threshold"`

	// StreamPadPages is buffercache.Options.StreamPadPages.
	StreamPadPages uint64 `flag:"stream-pad-pages" toml:"stream_pad_pages"`

	// DeviceCapacity limits the bytes the simulated device can allocate. Zero
	// means no limit.
	DeviceCapacity uint64 `flag:"device-capacity" toml:"device_capacity"`

	// Workers is the number of concurrent simulation workers.
	Workers int `flag:"workers" toml:"workers"`

	// Iterations is the number of operations each worker performs.
	Iterations int `flag:"iterations" toml:"iterations"`

	// GuestSize is the size of simulated guest memory in bytes.
	GuestSize uint64 `flag:"guest-size" toml:"guest_size"`

	// WindowSize is the size of the guest window each worker operates on.
	WindowSize uint64 `flag:"window-size" toml:"window_size"`

	// Seed seeds the workers' random number generators.
	Seed int64 `flag:"seed" toml:"seed"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	if c.StreamScoreThreshold < 0 {
		return fmt.Errorf("stream score threshold must not be negative, got %d", c.StreamScoreThreshold)
	}
	if c.WindowSize < hostarch.PageSize || c.WindowSize%hostarch.PageSize != 0 {
		return fmt.Errorf("window size %#x must be a non-zero multiple of the page size", c.WindowSize)
	}
	if c.GuestSize%hostarch.PageSize != 0 {
		return fmt.Errorf("guest size %#x is not a multiple of the page size", c.GuestSize)
	}
	if need := c.Layout().End; c.GuestSize < need {
		return fmt.Errorf("guest size %#x is too small for %d windows of %#x bytes, need %#x", c.GuestSize, c.Workers, c.WindowSize, need)
	}
	return nil
}

// Layout describes where each worker's window lives in guest memory,
// relative to the guest base.
type Layout struct {
	// Guard is the distance kept between windows, and between the windows and
	// the ends of guest memory, so that padded stream buffers stay inside
	// guest memory and away from other windows.
	Guard uint64

	// Stride is the distance between the starts of consecutive windows.
	Stride uint64

	// End is the guest size the layout needs.
	End uint64
}

// guardPads is the number of stream paddings each guard absorbs.
const guardPads = 8

// Layout returns the window layout for c.
func (c *Config) Layout() Layout {
	pad := c.StreamPadPages
	if pad == 0 {
		pad = buffercache.DefaultStreamPadPages
	}
	guard := guardPads * pad * hostarch.PageSize
	stride := c.WindowSize + guard
	return Layout{
		Guard:  guard,
		Stride: stride,
		End:    guard + uint64(c.Workers)*stride,
	}
}

// Window returns the offset range of worker w's window.
func (l Layout) Window(w int, size uint64) hostarch.AddrRange {
	start := hostarch.Addr(l.Guard + uint64(w)*l.Stride)
	return start.MustToRange(size)
}

// CacheOptions returns the buffer cache options set by c.
func (c *Config) CacheOptions() buffercache.Options {
	return buffercache.Options{
		StreamLeapFactor:     c.StreamLeapFactor,
		StreamScoreThreshold: c.StreamScoreThreshold,
		StreamPadPages:       c.StreamPadPages,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Stream: leap factor %d, score threshold %d, pad pages %d", c.StreamLeapFactor, c.StreamScoreThreshold, c.StreamPadPages)
	log.Infof("Config.DeviceCapacity: %d", c.DeviceCapacity)
	log.Infof("Config.Simulation: %d workers, %d iterations, guest %#x, window %#x, seed %d", c.Workers, c.Iterations, c.GuestSize, c.WindowSize, c.Seed)
}
