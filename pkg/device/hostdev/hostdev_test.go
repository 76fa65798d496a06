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

package hostdev

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"
	"gpumirror.dev/gpumirror/pkg/device"
)

const usage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

func mustAllocate(t *testing.T, d *Device, size uint64) device.Handle {
	t.Helper()
	h, err := d.Allocate(size, usage)
	if err != nil {
		t.Fatalf("Allocate(%#x) failed: %v", size, err)
	}
	return h
}

func TestTransfers(t *testing.T) {
	d := New(0)
	defer d.Close()

	a := mustAllocate(t, d, 16)
	b := mustAllocate(t, d, 16)
	if got := d.Usage(a); got != usage {
		t.Errorf("Usage: got %v, want %v", got, usage)
	}

	src := []byte("hello")
	d.Upload(a, 2, src)
	// Upload copies its source at submission.
	copy(src, "XXXXX")
	d.CopyBuffer(a, 2, b, 10, 5)

	dst := make([]byte, 5)
	d.WaitForCompletion(d.Download(b, 10, dst))
	if !bytes.Equal(dst, []byte("hello")) {
		t.Errorf("Download after copy: got %q, want %q", dst, "hello")
	}
	if got := d.Contents(a)[:7]; !bytes.Equal(got, []byte("\x00\x00hello")) {
		t.Errorf("Contents: got %q", got)
	}
}

func TestFencesOrdered(t *testing.T) {
	d := New(0)
	defer d.Close()

	h := mustAllocate(t, d, 4096)
	var last device.Fence
	for i := 0; i < 1000; i++ {
		f := d.Execute(h, uint64(i%4096), []byte{byte(i)})
		if f <= last {
			t.Fatalf("fence %d issued after fence %d", f, last)
		}
		last = f
	}
	d.WaitForCompletion(last)
	const n = 999
	if got, want := d.Contents(h)[n%4096], byte(n%256); got != want {
		t.Errorf("last write: got %d, want %d", got, want)
	}
}

func TestCapacity(t *testing.T) {
	d := New(8192)
	defer d.Close()

	a := mustAllocate(t, d, 4096)
	mustAllocate(t, d, 4096)
	if _, err := d.Allocate(1, usage); !errors.Is(err, device.ErrOutOfMemory) {
		t.Errorf("Allocate beyond capacity: got err %v, want %v", err, device.ErrOutOfMemory)
	}
	d.Free(a)
	if got := d.Allocated(); got != 4096 {
		t.Errorf("Allocated after Free: got %d, want 4096", got)
	}
	mustAllocate(t, d, 4096)
	if got := d.NumBuffers(); got != 2 {
		t.Errorf("NumBuffers: got %d, want 2", got)
	}
}

func TestFreeWithPendingTransfer(t *testing.T) {
	d := New(0)
	defer d.Close()

	h := mustAllocate(t, d, 8)
	d.Upload(h, 0, []byte("pending!"))
	dst := make([]byte, 8)
	f := d.Download(h, 0, dst)
	d.Free(h)
	d.WaitForCompletion(f)
	if string(dst) != "pending!" {
		t.Errorf("Download submitted before Free: got %q", dst)
	}
}

func TestOutOfBoundsPanics(t *testing.T) {
	d := New(0)
	defer d.Close()

	h := mustAllocate(t, d, 8)
	defer func() {
		if recover() == nil {
			t.Errorf("Upload past the end of the buffer did not panic")
		}
	}()
	d.Upload(h, 4, make([]byte, 8))
}

func TestConcurrentSubmitters(t *testing.T) {
	d := New(0)
	defer d.Close()

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			h, err := d.Allocate(64, usage)
			if err != nil {
				return err
			}
			want := bytes.Repeat([]byte{byte(w)}, 64)
			d.Upload(h, 0, want)
			got := make([]byte, 64)
			d.WaitForCompletion(d.Download(h, 0, got))
			if !bytes.Equal(got, want) {
				t.Errorf("worker %d read back %v", w, got[:4])
			}
			d.Free(h)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("workers failed: %v", err)
	}
	if got := d.NumBuffers(); got != 0 {
		t.Errorf("NumBuffers after every worker freed: got %d", got)
	}
}

func TestAllocatedBytesMetric(t *testing.T) {
	before := allocatedBytes.Load()
	d := New(0)
	defer d.Close()

	h := mustAllocate(t, d, 3*4096)
	if got := allocatedBytes.Load() - before; got != 3*4096 {
		t.Errorf("allocated bytes after Allocate: got %d, want %d", got, 3*4096)
	}
	d.Free(h)
	if got := allocatedBytes.Load(); got != before {
		t.Errorf("allocated bytes after Free: got %d, want %d", got, before)
	}
}
