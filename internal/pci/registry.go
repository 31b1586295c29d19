/*
 * Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pci

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry is the set of known board filters, addressable by name. It is
// built once, from code or from a YAML file, and passed to whatever needs it.
type Registry struct {
	filters []Filter
	byName  map[string]int
}

type registryFile struct {
	Filters []filterSpec `yaml:"filters"`
}

// filterSpec mirrors Filter with optional identity fields so that an omitted
// field means "any".
type filterSpec struct {
	Name              string        `yaml:"name"`
	VendorID          *ID           `yaml:"vendor_id"`
	DeviceID          *ID           `yaml:"device_id"`
	SubsystemVendorID *ID           `yaml:"subsystem_vendor_id"`
	SubsystemDeviceID *ID           `yaml:"subsystem_device_id"`
	DMACapability     DMACapability `yaml:"dma_capability"`
}

func (s filterSpec) filter() Filter {
	id := func(v *ID) ID {
		if v == nil {
			return AnyID
		}
		return *v
	}
	return Filter{
		Name:              s.Name,
		VendorID:          id(s.VendorID),
		DeviceID:          id(s.DeviceID),
		SubsystemVendorID: id(s.SubsystemVendorID),
		SubsystemDeviceID: id(s.SubsystemDeviceID),
		DMACapability:     s.DMACapability,
	}
}

// NewRegistry builds a registry from the given filters. Names must be
// unique; unnamed filters are given their index as a name.
func NewRegistry(filters ...Filter) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]int, len(filters)),
	}
	for i, f := range filters {
		if f.Name == "" {
			f.Name = fmt.Sprintf("filter-%d", i)
		}
		if _, exists := r.byName[f.Name]; exists {
			return nil, fmt.Errorf("duplicate filter name %q", f.Name)
		}
		r.byName[f.Name] = len(r.filters)
		r.filters = append(r.filters, f)
	}
	return r, nil
}

// ParseRegistry parses a YAML filter document of the form
//
//	filters:
//	  - name: xcku115
//	    vendor_id: 10ee
//	    device_id: 8038
//	    subsystem_vendor_id: "*"
//	    dma_capability: a64
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse filters: %w", err)
	}

	filters := make([]Filter, 0, len(file.Filters))
	for _, spec := range file.Filters {
		filters = append(filters, spec.filter())
	}
	return NewRegistry(filters...)
}

// LoadRegistry reads a YAML filter document from path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filters from %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// Filters returns all filters in definition order.
func (r *Registry) Filters() []Filter {
	return append([]Filter(nil), r.filters...)
}

// Lookup returns the filter with the given name.
func (r *Registry) Lookup(name string) (Filter, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Filter{}, false
	}
	return r.filters[i], true
}

// Select returns the named filters, or every filter when no names are given.
func (r *Registry) Select(names ...string) ([]Filter, error) {
	if len(names) == 0 {
		return r.Filters(), nil
	}
	var selected []Filter
	for _, name := range names {
		f, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		selected = append(selected, f)
	}
	return selected, nil
}
