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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gpumirror.dev/gpumirror/bufsim/config"
	"gpumirror.dev/gpumirror/pkg/buffercache"
	"gpumirror.dev/gpumirror/pkg/device/hostdev"
	"gpumirror.dev/gpumirror/pkg/guest"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/log"
	"gpumirror.dev/gpumirror/pkg/metric"
	"gpumirror.dev/gpumirror/pkg/pageprot"
	"gpumirror.dev/gpumirror/pkg/tracker"
)

// guestBase is where simulated guest memory is mapped in the guest address
// space.
const guestBase = hostarch.Addr(1 << 32)

// maxAccess bounds the size of a single simulated access.
const maxAccess = 16 * hostarch.PageSize

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run guest and device accesses through the buffer cache and check coherency"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [-metrics] - runs concurrent workers mixing guest and device reads and writes over
disjoint windows of guest memory, and verifies every read against the expected contents.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.metrics, "metrics", true, "print metrics in Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	var out io.Writer
	if s.metrics {
		out = os.Stdout
	}
	if err := simulate(ctx, conf, out); err != nil {
		Fatalf("simulation failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// simulate runs the simulation described by conf. If out is not nil, metrics
// are written to it at the end.
func simulate(ctx context.Context, conf *config.Config, out io.Writer) error {
	mem, err := guest.NewMapping(guestBase, conf.GuestSize)
	if err != nil {
		return fmt.Errorf("creating guest memory: %w", err)
	}
	defer mem.Close()

	dev := hostdev.New(conf.DeviceCapacity)
	defer dev.Close()

	tr := tracker.New(pageprot.NewWatchers(mem))
	cache := buffercache.New(dev, mem, tr, conf.CacheOptions())
	mem.SetFaultHandler(cache)

	start := time.Now()
	layout := conf.Layout()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < conf.Workers; i++ {
		win := layout.Window(i, conf.WindowSize)
		w := &worker{
			log:    log.Log().WithField("worker", i),
			window: hostarch.AddrRange{Start: guestBase + win.Start, End: guestBase + win.End},
			mem:    mem,
			dev:    dev,
			cache:  cache,
			rng:    rand.New(rand.NewSource(conf.Seed + int64(i))),
			shadow: make([]byte, conf.WindowSize),
		}
		g.Go(func() error {
			return w.run(ctx, conf.Iterations)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("Simulation of %d workers x %d iterations finished in %v: %d buffers, %d tracker regions, %d bytes on the device",
		conf.Workers, conf.Iterations, time.Since(start), cache.NumBuffers(), tr.NumRegions(), dev.Allocated())

	cache.Release()
	if out != nil {
		if err := metric.WriteText(out); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}

// worker performs random accesses on its own window of guest memory and
// keeps the contents every access should observe in shadow.
type worker struct {
	log    *log.BasicLogger
	window hostarch.AddrRange
	mem    *guest.Mapping
	dev    *hostdev.Device
	cache  *buffercache.Cache
	rng    *rand.Rand
	shadow []byte
}

type workerOp int

const (
	opGuestWrite workerOp = iota
	opGuestRead
	opDeviceWrite
	opDeviceRead
	numOps
)

func (op workerOp) String() string {
	switch op {
	case opGuestWrite:
		return "guest write"
	case opGuestRead:
		return "guest read"
	case opDeviceWrite:
		return "device write"
	case opDeviceRead:
		return "device read"
	default:
		return fmt.Sprintf("workerOp(%d)", int(op))
	}
}

func (w *worker) run(ctx context.Context, iterations int) error {
	w.log.Debugf("simulating %d iterations over %v", iterations, w.window)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := uint64(w.rng.Int63n(int64(len(w.shadow))))
		size := 1 + uint64(w.rng.Int63n(int64(min(maxAccess, uint64(len(w.shadow))-off))))
		op := workerOp(w.rng.Intn(int(numOps)))
		if err := w.do(op, off, size); err != nil {
			return fmt.Errorf("worker window %v, iteration %d, %v of [%v, +%#x): %w", w.window, i, op, w.window.Start+hostarch.Addr(off), size, err)
		}
	}
	// Everything the device wrote must reach the guest.
	if err := w.do(opGuestRead, 0, uint64(len(w.shadow))); err != nil {
		return fmt.Errorf("worker window %v, final read: %w", w.window, err)
	}
	w.log.Debugf("done")
	return nil
}

func (w *worker) do(op workerOp, off, size uint64) error {
	addr := w.window.Start + hostarch.Addr(off)
	want := w.shadow[off : off+size]
	switch op {
	case opGuestWrite:
		data := w.random(size)
		if err := w.mem.CopyOut(addr, data); err != nil {
			return err
		}
		copy(want, data)
	case opGuestRead:
		got := make([]byte, size)
		if err := w.mem.CopyIn(addr, got); err != nil {
			return err
		}
		return check(got, want)
	case opDeviceWrite:
		b, boff := w.cache.ObtainBuffer(addr, size, true)
		data := w.random(size)
		w.dev.Execute(b.Handle(), boff, data)
		copy(want, data)
	case opDeviceRead:
		b, boff := w.cache.ObtainBuffer(addr, size, false)
		got := make([]byte, size)
		w.dev.WaitForCompletion(w.dev.Download(b.Handle(), boff, got))
		return check(got, want)
	}
	return nil
}

func (w *worker) random(size uint64) []byte {
	data := make([]byte, size)
	w.rng.Read(data)
	return data
}

func check(got, want []byte) error {
	if bytes.Equal(got, want) {
		return nil
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("stale data at offset %#x: got %#x, want %#x", i, got[i], want[i])
		}
	}
	panic("unreachable")
}
