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

// Package pcitest builds fake sysfs trees for tests of code that scans the
// PCI bus.
package pcitest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Device describes one fake PCI function.
type Device struct {
	Address           string
	VendorID          uint32
	DeviceID          uint32
	SubsystemVendorID uint32
	SubsystemDeviceID uint32
	Class             uint32
	// Driver, when set, creates a bound-driver link.
	Driver string
	// IOMMUGroup, when set, creates an iommu_group link.
	IOMMUGroup string
}

// Modalias renders the sysfs modalias of the device.
func (d Device) Modalias() string {
	return fmt.Sprintf("pci:v%08Xd%08Xsv%08Xsd%08Xbc%02Xsc%02Xi%02X\n",
		d.VendorID, d.DeviceID, d.SubsystemVendorID, d.SubsystemDeviceID,
		(d.Class>>16)&0xff, (d.Class>>8)&0xff, d.Class&0xff)
}

// NewSysfs creates a fake root containing the given devices and returns its
// path.
func NewSysfs(t testing.TB, devices ...Device) string {
	t.Helper()

	root := t.TempDir()
	for _, d := range devices {
		AddDevice(t, root, d)
	}
	return root
}

// AddDevice adds one device to a fake root.
func AddDevice(t testing.TB, root string, d Device) {
	t.Helper()

	devicePath := filepath.Join(root, "sys", "bus", "pci", "devices", d.Address)
	mustMkdir(t, devicePath)
	mustWrite(t, filepath.Join(devicePath, "modalias"), d.Modalias())

	if d.Driver != "" {
		driverPath := filepath.Join(root, "sys", "bus", "pci", "drivers", d.Driver)
		mustMkdir(t, driverPath)
		mustSymlink(t, driverPath, filepath.Join(devicePath, "driver"))
	}
	if d.IOMMUGroup != "" {
		groupPath := filepath.Join(root, "sys", "kernel", "iommu_groups", d.IOMMUGroup)
		mustMkdir(t, filepath.Join(groupPath, "devices"))
		mustSymlink(t, groupPath, filepath.Join(devicePath, "iommu_group"))
		mustSymlink(t, devicePath, filepath.Join(groupPath, "devices", d.Address))
	}
}

// AddVFIONode creates /dev/vfio/<name> as a regular file.
func AddVFIONode(t testing.TB, root string, name string, perm os.FileMode) string {
	t.Helper()

	dir := filepath.Join(root, "dev", "vfio")
	mustMkdir(t, dir)
	path := filepath.Join(dir, name)
	mustWrite(t, path, "")
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	return path
}

func mustMkdir(t testing.TB, path string) {
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t testing.TB, path, content string) {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustSymlink(t testing.TB, target, link string) {
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink %s -> %s: %v", link, target, err)
	}
}
