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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// reset clears all global state in the metric package.
func reset() {
	registry = prometheus.NewRegistry()
	names = map[string]struct{}{}
}

const counterDescription = "Counter"

func TestCounter(t *testing.T) {
	defer reset()

	m, err := NewUint64Metric("/counter", counterDescription)
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if got := m.Value(); got != 0 {
		t.Errorf("initial value: got %d want 0", got)
	}
	m.Increment()
	m.IncrementBy(41)
	if got := m.Value(); got != 42 {
		t.Errorf("value after increments: got %d want 42", got)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/faults", counterDescription, NewField("access", []string{"read", "write"}))
	m.Increment("read")
	m.IncrementBy(3, "write")
	if got := m.Value("read"); got != 1 {
		t.Errorf("read: got %d want 1", got)
	}
	if got := m.Value("write"); got != 3 {
		t.Errorf("write: got %d want 3", got)
	}

	for _, fields := range [][]string{{}, {"exec"}, {"read", "write"}} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Increment(%v) did not panic", fields)
				}
			}()
			m.Increment(fields...)
		}()
	}
}

func TestRegistrationErrors(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/dup", counterDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/dup", counterDescription); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration: got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("no_slash", counterDescription); !errors.Is(err, ErrInvalidName) {
		t.Errorf("invalid name: got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/empty_field", counterDescription, NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("empty field: got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestWriteText(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/cache/bytes_uploaded", "Bytes uploaded.")
	m.IncrementBy(4096)
	regions := uint64(3)
	MustRegisterCustomUint64Metric("/tracker/regions", false, "Live regions.", func() uint64 { return regions })

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP gpumirror_cache_bytes_uploaded Bytes uploaded.",
		"# TYPE gpumirror_cache_bytes_uploaded counter",
		"gpumirror_cache_bytes_uploaded 4096",
		"# TYPE gpumirror_tracker_regions gauge",
		"gpumirror_tracker_regions 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}
