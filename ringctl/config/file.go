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
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// file is the layout of a configuration file. Each key of the flags table
// is converted to the flag --key=value, e.g.:
//
//	[flags]
//	vcpus = 8
//	harvest-interval = "5ms"
type file struct {
	Flags map[string]interface{} `toml:"flags"`
}

// LoadFile sets the flags of flagSet from the configuration file at path.
// Flags given explicitly on the command line take precedence over the file.
func LoadFile(path string, flagSet *flag.FlagSet) error {
	var f file
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})

	// Apply in a stable order so that errors are reproducible.
	names := make([]string, 0, len(f.Flags))
	for name := range f.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if flagSet.Lookup(name) == nil {
			return errors.Errorf("unknown flag %q in config file %q", name, path)
		}
		if explicit[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(f.Flags[name])); err != nil {
			return errors.Wrapf(err, "invalid value for %q in config file %q", name, path)
		}
	}
	return nil
}
