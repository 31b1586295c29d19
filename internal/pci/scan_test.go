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
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vfio-harness/internal/pci/pcitest"
)

func newTestScanner(t *testing.T, devices ...pcitest.Device) *Scanner {
	root := pcitest.NewSysfs(t, devices...)
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return NewScanner(WithRoot(root), WithLogger(log))
}

func TestScannerFunctions(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038, SubsystemVendorID: 0x10ee, SubsystemDeviceID: 0x7, Class: 0x058000, Driver: "vfio-pci", IOMMUGroup: "42"},
		pcitest.Device{Address: "0000:00:1f.3", VendorID: 0x8086, DeviceID: 0xa348, Class: 0x040300, Driver: "snd_hda_intel"},
		pcitest.Device{Address: "0000:02:00.0", VendorID: 0x10ee, DeviceID: 0x7021},
	)

	functions, err := s.Functions()
	require.NoError(t, err)
	require.Len(t, functions, 3)

	require.Equal(t, "0000:00:1f.3", functions[0].Address.String())
	require.Equal(t, "snd_hda_intel", functions[0].Driver)
	require.Equal(t, "", functions[0].IOMMUGroup)

	require.Equal(t, "0000:02:00.0", functions[1].Address.String())
	require.Equal(t, "", functions[1].Driver)

	fpga := functions[2]
	require.Equal(t, "0000:3b:00.0", fpga.Address.String())
	require.Equal(t, "vfio-pci", fpga.Driver)
	require.Equal(t, "42", fpga.IOMMUGroup)
	require.Equal(t, Identity{VendorID: 0x10ee, DeviceID: 0x9038, SubsystemVendorID: 0x10ee, SubsystemDeviceID: 0x7, Class: 0x058000}, fpga.Identity)
}

func TestScannerSkipsUnreadableFunctions(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038},
	)
	broken := filepath.Join(s.Root(), pciDevicesRoot, "0000:3c:00.0")
	require.NoError(t, os.MkdirAll(broken, 0755))

	functions, err := s.Functions()
	require.NoError(t, err)
	require.Len(t, functions, 1)
}

func TestScannerMatch(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038, SubsystemVendorID: 0x10ee, SubsystemDeviceID: 0x7, IOMMUGroup: "42"},
		pcitest.Device{Address: "0000:3c:00.0", VendorID: 0x10ee, DeviceID: 0x7021, IOMMUGroup: "43"},
		pcitest.Device{Address: "0000:00:1f.3", VendorID: 0x8086, DeviceID: 0xa348},
	)

	filters := []Filter{
		{Name: "generic", VendorID: 0x10ee, DeviceID: AnyID, SubsystemVendorID: AnyID, SubsystemDeviceID: AnyID, DMACapability: DMANone},
		{Name: "board", VendorID: 0x10ee, DeviceID: 0x9038, SubsystemVendorID: AnyID, SubsystemDeviceID: AnyID, DMACapability: DMA64},
	}

	matches, err := s.Match(filters)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "0000:3b:00.0", matches[0].Address.String())
	require.Equal(t, "board", matches[0].Filter.Name)
	require.Equal(t, "0000:3c:00.0", matches[1].Address.String())
	require.Equal(t, "generic", matches[1].Filter.Name)
}

func TestBindToVFIODriver(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038, Driver: "xdma"},
	)
	vfioDriver := filepath.Join(s.Root(), pciDriversRoot, VFIOPCIDriverName)
	require.NoError(t, os.MkdirAll(vfioDriver, 0755))

	address, err := ParseAddress("0000:3b:00.0")
	require.NoError(t, err)
	fn, err := s.Function(address)
	require.NoError(t, err)

	require.NoError(t, s.BindToVFIODriver(fn))
	require.Equal(t, VFIOPCIDriverName, fn.Driver)

	override, err := os.ReadFile(filepath.Join(fn.Path, "driver_override"))
	require.NoError(t, err)
	require.Equal(t, VFIOPCIDriverName, string(override))

	unbound, err := os.ReadFile(filepath.Join(s.Root(), pciDriversRoot, "xdma", "unbind"))
	require.NoError(t, err)
	require.Equal(t, "0000:3b:00.0", string(unbound))

	bound, err := os.ReadFile(filepath.Join(vfioDriver, "bind"))
	require.NoError(t, err)
	require.Equal(t, "0000:3b:00.0", string(bound))
}

func TestVFIODriverForPrefersVariant(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038},
	)
	release, err := getKernelVersion()
	require.NoError(t, err)
	aliasDir := filepath.Join(s.Root(), "lib", "modules", release)
	require.NoError(t, os.MkdirAll(aliasDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(aliasDir, "modules.alias"), []byte(
		"alias vfio_pci:v*d*sv*sd*bc*sc*i* vfio_pci\n"+
			"alias vfio_pci:v000010EEd00009038sv*sd*bc*sc*i* xilinx_vfio_pci\n"), 0644))

	address, err := ParseAddress("0000:3b:00.0")
	require.NoError(t, err)
	fn, err := s.Function(address)
	require.NoError(t, err)
	require.Equal(t, "xilinx_vfio_pci", s.VFIODriverFor(fn))
}

func TestUnbindFromDriverWithoutDriver(t *testing.T) {
	s := newTestScanner(t,
		pcitest.Device{Address: "0000:3b:00.0", VendorID: 0x10ee, DeviceID: 0x9038},
	)
	address, err := ParseAddress("0000:3b:00.0")
	require.NoError(t, err)
	fn, err := s.Function(address)
	require.NoError(t, err)
	require.NoError(t, s.UnbindFromDriver(fn))
}
