// Copyright 2026 The slabvisor Authors.
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

package slab

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// DefaultSpan is the guest-physical span used when a table file gives none.
const DefaultSpan = 4 << 30

// File is the on-disk form of a table. TOML files use [[slab]] and
// [[region]] arrays, YAML files use "slabs" and "regions" lists:
//
//	span = 0x100000000
//
//	[[slab]]
//	id = 0
//	name = "core.api"
//	type = "verified-program"
//	privileges = ["all"]
//
//	[[slab]]
//	id = 4
//	name = "app.hyperdep"
//	type = "unverified"
//	privileges = ["hpt"]
//	callable = ["core.api"]
//	iotable_base = 0x11003000
//
//	[[region]]
//	start = 0x10600000
//	size = 0x3000
//	kind = "iotable"
//	owner = "core.api"
//
// Guest capability masks are strings so that the full 64-bit range survives
// TOML's signed integers.
type File struct {
	Span    uint64       `toml:"span" yaml:"span"`
	Slabs   []FileSlab   `toml:"slab" yaml:"slabs"`
	Regions []FileRegion `toml:"region" yaml:"regions"`
}

// FileSlab is one slab entry of a File.
type FileSlab struct {
	ID          uint32   `toml:"id" yaml:"id"`
	Name        string   `toml:"name" yaml:"name"`
	Type        string   `toml:"type" yaml:"type"`
	Privileges  []string `toml:"privileges" yaml:"privileges"`
	Callable    []string `toml:"callable" yaml:"callable"`
	IOTableBase uint64   `toml:"iotable_base" yaml:"iotable_base"`
	GuestCaps   string   `toml:"guest_caps" yaml:"guest_caps"`
}

// FileRegion is one region entry of a File.
type FileRegion struct {
	Start uint64 `toml:"start" yaml:"start"`
	Size  uint64 `toml:"size" yaml:"size"`
	Kind  string `toml:"kind" yaml:"kind"`
	Owner string `toml:"owner" yaml:"owner"`
}

// Load reads a table file. The format is chosen by extension: ".toml", or
// ".yaml"/".yml".
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f *File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		f, err = DecodeTOML(data)
	case ".yaml", ".yml":
		f, err = DecodeYAML(data)
	default:
		return nil, fmt.Errorf("table %q: unknown format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", path, err)
	}
	t, err := f.Table()
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", path, err)
	}
	return t, nil
}

// DecodeTOML parses a TOML table file. Unknown keys are an error.
func DecodeTOML(data []byte) (*File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return &f, nil
}

// DecodeYAML parses a YAML table file. Unknown keys are an error.
func DecodeYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Table converts the file into a validated Table.
func (f *File) Table() (*Table, error) {
	ids := make(map[string]ID, len(f.Slabs))
	for _, s := range f.Slabs {
		ids[s.Name] = ID(s.ID)
	}
	resolve := func(name string) (ID, error) {
		id, ok := ids[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownCallee, name)
		}
		return id, nil
	}

	rows := make([]Descriptor, 0, len(f.Slabs))
	for _, s := range f.Slabs {
		typ, err := ParseType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("slab %q: %w", s.Name, err)
		}
		d := Descriptor{
			ID:          ID(s.ID),
			Name:        s.Name,
			Type:        typ,
			IOTableBase: hostarch.Addr(s.IOTableBase),
		}
		for _, p := range s.Privileges {
			priv, err := ParsePrivilege(p)
			if err != nil {
				return nil, fmt.Errorf("slab %q: %w", s.Name, err)
			}
			d.Privileges |= priv
		}
		for _, callee := range s.Callable {
			id, err := resolve(callee)
			if err != nil {
				return nil, fmt.Errorf("slab %q: %w", s.Name, err)
			}
			d.CallCaps |= Caps(id)
		}
		if typ == TypeGuest {
			d.Mode = ModeGuest
			d.Guest.IsGuest = true
		}
		if s.GuestCaps != "" {
			caps, err := strconv.ParseUint(s.GuestCaps, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("slab %q: guest_caps: %w", s.Name, err)
			}
			d.Guest.Caps = caps
		}
		rows = append(rows, d)
	}

	regions := make([]Region, 0, len(f.Regions))
	for _, fr := range f.Regions {
		kind, err := ParseKind(fr.Kind)
		if err != nil {
			return nil, err
		}
		r := Region{Start: hostarch.Addr(fr.Start), Size: fr.Size, Kind: kind}
		if fr.Owner != "" {
			id, err := resolve(fr.Owner)
			if err != nil {
				return nil, fmt.Errorf("region %v: %w", r, err)
			}
			r.Owned, r.Owner = true, id
		}
		regions = append(regions, r)
	}

	span := f.Span
	if span == 0 {
		span = DefaultSpan
	}
	layout, err := NewLayout(span, regions)
	if err != nil {
		return nil, err
	}
	return NewTable(rows, layout)
}
