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
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gpumirror.dev/gpumirror/pkg/buffercache"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file with more settings. Flags set on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")

	// Buffer cache flags.
	flagSet.Uint64("stream-leap-factor", buffercache.DefaultStreamLeapFactor, "refuse to merge overlapping buffers into one larger than this many times the request.")
	flagSet.Int("stream-score-threshold", buffercache.DefaultStreamScoreThreshold, "number of joins after which a growing buffer is treated as a stream and padded.")
	flagSet.Uint64("stream-pad-pages", buffercache.DefaultStreamPadPages, "number of pages stream buffers are padded by.")

	// Simulation flags.
	flagSet.Uint64("device-capacity", 0, "maximum bytes the simulated device can allocate. 0 means no limit.")
	flagSet.Int("workers", 4, "number of concurrent simulation workers.")
	flagSet.Int("iterations", 1000, "number of operations each worker performs.")
	flagSet.Uint64("guest-size", 64<<20, "size of simulated guest memory in bytes.")
	flagSet.Uint64("window-size", 1<<20, "size of the guest window each worker operates on.")
	flagSet.Int64("seed", 1, "seed of the workers' random number generators.")
}

// getFlag returns the current value of a registered flag.
func getFlag(fl *flag.Flag) any {
	return fl.Value.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line flags,
// and from the config file named by --config for flags not set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getFlag(fl)))
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile, setFlags(flagSet)); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlags returns the names of the flags set explicitly in flagSet.
func setFlags(flagSet *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	return set
}

// LoadFile applies the settings of the TOML file at path to c, and validates
// the result.
func (c *Config) LoadFile(path string) error {
	if err := c.loadFile(path, nil); err != nil {
		return err
	}
	return c.validate()
}

// loadFile applies the settings of the TOML file at path to c, except those
// whose flag is in keep.
func (c *Config) loadFile(path string, keep map[string]bool) error {
	var file Config
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return fmt.Errorf("config file %q has unknown keys %v", path, undecoded)
	}

	obj := reflect.ValueOf(c).Elem()
	fobj := reflect.ValueOf(&file).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		key, ok := f.Tag.Lookup("toml")
		if !ok || key == "-" || !md.IsDefined(key) {
			continue
		}
		if keep[f.Tag.Get("flag")] {
			continue
		}
		obj.Field(i).Set(fobj.Field(i))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
