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
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	vfioPciAliasPrefix = "alias vfio_pci:"
	modAliasWildcard   = "*"
)

// modAlias is a decomposed PCI modalias string:
//
//	pci:vNNNNNNNNdNNNNNNNNsvNNNNNNNNsdNNNNNNNNbcNNscNNiNN
//
// Device modalias files in sysfs always carry every field; the patterns in
// modules.alias may replace any field with "*".
type modAlias struct {
	vendor               string // v
	device               string // d
	subvendor            string // sv
	subdevice            string // sd
	baseClass            string // bc
	subClass             string // sc
	programmingInterface string // i
}

// vfioAlias is one 'alias vfio_pci:...' entry of modules.alias.
type vfioAlias struct {
	modAlias *modAlias
	driver   string
}

func (m *modAlias) fields() []string {
	return []string{m.vendor, m.device, m.subvendor, m.subdevice, m.baseClass, m.subClass, m.programmingInterface}
}

func parseModAliasString(input string) (*modAlias, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("modalias string is empty")
	}

	bus, rest, found := strings.Cut(input, ":")
	if !found || strings.Contains(rest, ":") {
		return nil, fmt.Errorf("modalias %q is not of the form <bus>:<fields>", input)
	}
	if bus != "pci" && bus != "vfio_pci" {
		return nil, fmt.Errorf("modalias %q does not describe a PCI device", input)
	}
	if !strings.HasPrefix(rest, "v") {
		return nil, fmt.Errorf("modalias must start with 'v', got: %s", rest)
	}

	ma := &modAlias{}
	targets := []struct {
		delimiter string
		field     *string
	}{
		{"d", &ma.vendor},
		{"sv", &ma.device},
		{"sd", &ma.subvendor},
		{"bc", &ma.subdevice},
		{"sc", &ma.baseClass},
		{"i", &ma.subClass},
	}

	after := rest[1:]
	for _, t := range targets {
		var before string
		before, after, found = strings.Cut(after, t.delimiter)
		if !found {
			return nil, fmt.Errorf("failed to find delimiter %q in %q", t.delimiter, input)
		}
		*t.field = before
	}
	ma.programmingInterface = after

	return ma, nil
}

// identity converts a fully specified device modalias into numeric IDs.
func (m *modAlias) identity() (Identity, error) {
	hex := func(name, s string) (uint32, error) {
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q in modalias: %w", name, s, err)
		}
		return uint32(v), nil
	}

	var id Identity
	var err error
	if id.VendorID, err = hex("vendor", m.vendor); err != nil {
		return Identity{}, err
	}
	if id.DeviceID, err = hex("device", m.device); err != nil {
		return Identity{}, err
	}
	if id.SubsystemVendorID, err = hex("subsystem vendor", m.subvendor); err != nil {
		return Identity{}, err
	}
	if id.SubsystemDeviceID, err = hex("subsystem device", m.subdevice); err != nil {
		return Identity{}, err
	}
	class, err := hex("class", m.baseClass+m.subClass+m.programmingInterface)
	if err != nil {
		return Identity{}, err
	}
	id.Class = class
	return id, nil
}

func getKernelVersion() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// readVFIOAliases loads the vfio_pci aliases from the modules.alias file of
// the running kernel.
func readVFIOAliases(root string) ([]vfioAlias, error) {
	release, err := getKernelVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to get kernel version: %w", err)
	}
	path := filepath.Join(root, "lib", "modules", release, "modules.alias")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return getVFIOAliases(string(data)), nil
}

// getVFIOAliases returns the vfio driver aliases from the content of a
// modules.alias file. Only lines of the form
//
//	alias vfio_pci:<modalias string> <driver_name>
//
// are considered.
func getVFIOAliases(input string) []vfioAlias {
	var aliases []vfioAlias

	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, vfioPciAliasPrefix) {
			continue
		}

		split := strings.Fields(line)
		if len(split) != 3 {
			continue
		}
		ma, err := parseModAliasString(split[1])
		if err != nil {
			continue
		}
		aliases = append(aliases, vfioAlias{
			modAlias: ma,
			driver:   split[2],
		})
	}

	return aliases
}

// findBestMatch returns the vfio driver whose alias pattern matches the
// device with the fewest wildcards, or "" if none matches.
func findBestMatch(device *modAlias, aliases []vfioAlias) string {
	var bestDriver string
	bestWildcards := -1

	for _, alias := range aliases {
		matches, wildcards := matchModalias(device, alias.modAlias)
		if !matches {
			continue
		}
		if bestWildcards < 0 || wildcards < bestWildcards {
			bestDriver = alias.driver
			bestWildcards = wildcards
		}
	}

	return bestDriver
}

// matchModalias compares a device modalias against a modules.alias pattern
// field by field.
func matchModalias(device, pattern *modAlias) (bool, int) {
	wildcards := 0
	deviceFields := device.fields()
	for i, want := range pattern.fields() {
		if want == modAliasWildcard {
			wildcards++
			continue
		}
		if !strings.EqualFold(deviceFields[i], want) {
			return false, wildcards
		}
	}
	return true, wildcards
}
