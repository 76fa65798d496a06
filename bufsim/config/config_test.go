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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gpumirror.dev/gpumirror/pkg/buffercache"
	"gpumirror.dev/gpumirror/pkg/hostarch"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bufsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	want := buffercache.Options{
		StreamLeapFactor:     buffercache.DefaultStreamLeapFactor,
		StreamScoreThreshold: buffercache.DefaultStreamScoreThreshold,
		StreamPadPages:       buffercache.DefaultStreamPadPages,
	}
	if diff := cmp.Diff(want, c.CacheOptions()); diff != "" {
		t.Errorf("CacheOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, value := range map[string]string{
		"debug":      "true",
		"workers":    "2",
		"log-format": "json",
		"seed":       "-7",
	} {
		if err := testFlags.Set(name, value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug || c.Workers != 2 || c.LogFormat != "json" || c.Seed != -7 {
		t.Errorf("wrong config: %+v", c)
	}

	want := []string{"--debug=true", "--log-format=json", "--workers=2", "--seed=-7"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
debug = true
workers = 3
stream_pad_pages = 16
window_size = 65536
`)
	testFlags := newTestFlags()
	if err := testFlags.Set("config", path); err != nil {
		t.Fatal(err)
	}
	// Explicit flags take precedence over the file.
	if err := testFlags.Set("workers", "5"); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("debug from file was not applied")
	}
	if c.Workers != 5 {
		t.Errorf("workers: got %d, want the flag value 5", c.Workers)
	}
	if c.StreamPadPages != 16 || c.WindowSize != 65536 {
		t.Errorf("file values not applied: pad %d, window %#x", c.StreamPadPages, c.WindowSize)
	}
	// Keys missing from the file keep their flag defaults.
	if c.Iterations != 1000 {
		t.Errorf("iterations: got %d, want the default 1000", c.Iterations)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, test := range []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "unknown key",
			contents: "no_such_setting = 1\n",
			want:     "unknown keys",
		},
		{
			name:     "syntax",
			contents: "workers = = 1\n",
			want:     "reading config file",
		},
		{
			name:     "invalid value",
			contents: "log_format = \"xml\"\n",
			want:     "invalid log format",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := NewFromFlags(newTestFlags())
			if err != nil {
				t.Fatal(err)
			}
			err = c.LoadFile(writeFile(t, test.contents))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("LoadFile: got error %v, want one containing %q", err, test.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		flag, value string
	}{
		{"workers", "0"},
		{"iterations", "-1"},
		{"window-size", "100"},
		{"guest-size", "4097"},
		{"guest-size", "4096"},
		{"stream-score-threshold", "-1"},
	} {
		testFlags := newTestFlags()
		if err := testFlags.Set(test.flag, test.value); err != nil {
			t.Fatal(err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("--%s=%s: NewFromFlags succeeded, want error", test.flag, test.value)
		}
	}
}

func TestLayout(t *testing.T) {
	c := &Config{Workers: 3, WindowSize: 16 * hostarch.PageSize, StreamPadPages: 2}
	l := c.Layout()
	guard := uint64(guardPads * 2 * hostarch.PageSize)
	if l.Guard != guard || l.Stride != guard+c.WindowSize {
		t.Fatalf("Layout: got %+v", l)
	}
	var prev hostarch.AddrRange
	for w := 0; w < c.Workers; w++ {
		win := l.Window(w, c.WindowSize)
		if uint64(win.Start) < l.Guard || uint64(win.End)+l.Guard > l.End {
			t.Errorf("window %d %v is not surrounded by guards within %#x", w, win, l.End)
		}
		if w > 0 && uint64(win.Start-prev.End) != l.Guard {
			t.Errorf("windows %v and %v are not a guard apart", prev, win)
		}
		prev = win
	}
}
