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
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// VFIOPCIDriverName is the generic vfio driver, used when no variant driver
// claims a device.
const VFIOPCIDriverName = "vfio-pci"

// VFIODriverFor returns the vfio driver a function should be bound to. A
// vfio variant driver listed in modules.alias takes precedence over the
// generic vfio-pci driver.
func (s *Scanner) VFIODriverFor(fn *Function) string {
	aliases, err := readVFIOAliases(s.root)
	if err != nil {
		s.log.Debugf("Using %s for %s: %v", VFIOPCIDriverName, fn.Address, err)
		return VFIOPCIDriverName
	}
	ma, err := fn.modAlias()
	if err != nil {
		return VFIOPCIDriverName
	}
	if driver := findBestMatch(ma, aliases); driver != "" && driver != "vfio_pci" {
		return driver
	}
	return VFIOPCIDriverName
}

// BindToVFIODriver rebinds the function to its vfio driver. Functions
// already bound to it are left alone.
func (s *Scanner) BindToVFIODriver(fn *Function) error {
	driver := s.VFIODriverFor(fn)
	if fn.Driver == driver {
		return nil
	}
	if err := s.unbind(fn.Address); err != nil {
		return fmt.Errorf("failed to unbind device %s: %w", fn.Address, err)
	}
	if err := s.bind(fn.Address, driver); err != nil {
		return fmt.Errorf("failed to bind device %s to %s: %w", fn.Address, driver, err)
	}
	fn.Driver = driver
	return nil
}

// UnbindFromDriver detaches the function from whatever driver it is bound
// to and clears any driver override.
func (s *Scanner) UnbindFromDriver(fn *Function) error {
	if err := s.unbind(fn.Address); err != nil {
		return fmt.Errorf("failed to unbind device %s: %w", fn.Address, err)
	}
	overridePath := filepath.Join(s.root, pciDevicesRoot, fn.Address.String(), "driver_override")
	if err := os.WriteFile(overridePath, []byte("\n"), 0644); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear driver_override for %s: %w", fn.Address, err)
	}
	fn.Driver = ""
	return nil
}

func (s *Scanner) bind(address Address, driver string) error {
	device := address.String()
	driverOverridePath := filepath.Join(s.root, pciDevicesRoot, device, "driver_override")
	if err := os.WriteFile(driverOverridePath, []byte(driver), 0644); err != nil {
		return fmt.Errorf("failed to set driver_override for %s: %w", device, err)
	}

	bindPath := filepath.Join(s.root, pciDriversRoot, driver, "bind")
	if err := os.WriteFile(bindPath, []byte(device), 0644); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", device, driver, err)
	}

	return nil
}

func (s *Scanner) unbind(address Address) error {
	device := address.String()
	driverPath := filepath.Join(s.root, pciDevicesRoot, device, "driver")
	if _, err := os.Stat(driverPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	driverLink, err := os.Readlink(driverPath)
	if err != nil {
		return fmt.Errorf("failed to read driver link for %s: %w", device, err)
	}
	driverName := filepath.Base(driverLink)

	unbindPath := filepath.Join(driverPath, "unbind")
	if err := os.WriteFile(unbindPath, []byte(device), 0644); err != nil {
		return fmt.Errorf("failed to unbind %s from %s: %w", device, driverName, err)
	}

	return nil
}
