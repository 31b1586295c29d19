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

	"github.com/stretchr/testify/require"
)

const testRegistry = `
filters:
  - name: xcku115
    vendor_id: 10ee
    device_id: 0x8038
    dma_capability: a64
  - name: sensors-only
    vendor_id: "10ee"
    device_id: 7021
    subsystem_vendor_id: "*"
    subsystem_device_id: 0007
  - name: legacy
    vendor_id: 10ee
    device_id: 9011
    dma_capability: a32
`

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry([]byte(testRegistry))
	require.NoError(t, err)

	filters := r.Filters()
	require.Len(t, filters, 3)

	require.Equal(t, Filter{
		Name:              "xcku115",
		VendorID:          0x10ee,
		DeviceID:          0x8038,
		SubsystemVendorID: AnyID,
		SubsystemDeviceID: AnyID,
		DMACapability:     DMA64,
	}, filters[0])
	require.Equal(t, Filter{
		Name:              "sensors-only",
		VendorID:          0x10ee,
		DeviceID:          0x7021,
		SubsystemVendorID: AnyID,
		SubsystemDeviceID: 0x7,
		DMACapability:     DMANone,
	}, filters[1])

	legacy, ok := r.Lookup("legacy")
	require.True(t, ok)
	require.Equal(t, DMA32, legacy.DMACapability)

	_, ok = r.Lookup("missing")
	require.False(t, ok)
}

func TestRegistrySelect(t *testing.T) {
	r, err := ParseRegistry([]byte(testRegistry))
	require.NoError(t, err)

	all, err := r.Select()
	require.NoError(t, err)
	require.Len(t, all, 3)

	selected, err := r.Select("legacy", "xcku115")
	require.NoError(t, err)
	require.Len(t, selected, 2)
	require.Equal(t, "legacy", selected[0].Name)
	require.Equal(t, "xcku115", selected[1].Name)

	_, err = r.Select("nope")
	require.Error(t, err)
}

func TestRegistryErrors(t *testing.T) {
	testCases := []struct {
		description string
		input       string
	}{
		{
			description: "duplicate names",
			input:       "filters:\n  - name: a\n  - name: a\n",
		},
		{
			description: "bad id",
			input:       "filters:\n  - name: a\n    vendor_id: xyz\n",
		},
		{
			description: "bad capability",
			input:       "filters:\n  - name: a\n    dma_capability: a16\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tc.input))
			require.Error(t, err)
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0644))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, r.Filters(), 3)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
