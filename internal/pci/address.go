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
	"strings"
)

// Address is the location of one PCI function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParseAddress parses an address in the form DDDD:BB:DD.F. The domain may be
// omitted, in which case it defaults to 0000.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)

	var a Address
	if strings.Count(s, ":") == 1 {
		s = "0000:" + s
	}
	n, err := fmt.Sscanf(s, "%4x:%2x:%2x.%1x", &a.Domain, &a.Bus, &a.Device, &a.Function)
	if err != nil || n != 4 {
		return Address{}, fmt.Errorf("invalid PCI address %q: expected DDDD:BB:DD.F", s)
	}
	if a.Device > 0x1f || a.Function > 7 {
		return Address{}, fmt.Errorf("invalid PCI address %q: device or function out of range", s)
	}
	return a, nil
}

// String returns the canonical DDDD:BB:DD.F form used by sysfs and lspci.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}
