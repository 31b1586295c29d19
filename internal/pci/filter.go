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
	"strconv"
	"strings"
)

// AnyID matches every value of an identity field.
const AnyID ID = 0xffffffff

// ID is one identity field of a filter: a vendor, device, or subsystem ID, or
// AnyID.
type ID uint32

func (id ID) String() string {
	if id == AnyID {
		return "*"
	}
	return fmt.Sprintf("%04x", uint32(id))
}

// ParseID parses a hexadecimal ID, with or without a 0x prefix, or "*".
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "*" || s == "" {
		return AnyID, nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid PCI ID %q: %w", s, err)
	}
	return ID(v), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// DMACapability describes whether a device masters the bus, and which part
// of the IOVA space its DMA addresses may come from.
type DMACapability int

const (
	// DMANone devices never master the bus; bus mastering is left disabled.
	DMANone DMACapability = iota
	// DMA32 devices can only generate 32-bit addresses.
	DMA32
	// DMA64 devices can address the full IOVA space.
	DMA64
)

func (c DMACapability) String() string {
	switch c {
	case DMANone:
		return "none"
	case DMA32:
		return "a32"
	case DMA64:
		return "a64"
	}
	return fmt.Sprintf("DMACapability(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c DMACapability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *DMACapability) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*c = DMANone
	case "a32", "32":
		*c = DMA32
	case "a64", "64":
		*c = DMA64
	default:
		return fmt.Errorf("unknown DMA capability %q", text)
	}
	return nil
}

// Identity is what a PCI function reports about itself.
type Identity struct {
	VendorID          uint32
	DeviceID          uint32
	SubsystemVendorID uint32
	SubsystemDeviceID uint32
	// Class holds base class, sub class and programming interface as
	// 0xBBSSPP.
	Class uint32
}

func (i Identity) String() string {
	return fmt.Sprintf("%04x:%04x (subsystem %04x:%04x)", i.VendorID, i.DeviceID, i.SubsystemVendorID, i.SubsystemDeviceID)
}

// Filter selects PCI functions by identity. Any identity field set to AnyID
// is not compared.
type Filter struct {
	Name              string
	VendorID          ID
	DeviceID          ID
	SubsystemVendorID ID
	SubsystemDeviceID ID
	DMACapability     DMACapability
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s:%s (subsystem %s:%s) dma=%s", f.Name, f.VendorID, f.DeviceID, f.SubsystemVendorID, f.SubsystemDeviceID, f.DMACapability)
}

// Matches reports whether the identity satisfies the filter, along with the
// number of wildcard fields that were skipped.
func (f Filter) Matches(id Identity) (bool, int) {
	wildcards := 0
	fields := []struct {
		want ID
		got  uint32
	}{
		{f.VendorID, id.VendorID},
		{f.DeviceID, id.DeviceID},
		{f.SubsystemVendorID, id.SubsystemVendorID},
		{f.SubsystemDeviceID, id.SubsystemDeviceID},
	}
	for _, field := range fields {
		if field.want == AnyID {
			wildcards++
			continue
		}
		if uint32(field.want) != field.got {
			return false, wildcards
		}
	}
	return true, wildcards
}

// BestMatch returns the index of the most specific filter matching the
// identity, i.e. the one with the fewest wildcards. The earliest filter wins a
// tie. It returns -1 when no filter matches.
func BestMatch(id Identity, filters []Filter) int {
	best := -1
	bestWildcards := 0
	for i, f := range filters {
		matches, wildcards := f.Matches(id)
		if !matches {
			continue
		}
		if best < 0 || wildcards < bestWildcards {
			best = i
			bestWildcards = wildcards
		}
	}
	return best
}
