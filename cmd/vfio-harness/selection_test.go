//go:build !darwin && !windows

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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/pci"
)

const testFilters = `
filters:
  - name: xcku115
    vendor_id: 10ee
    device_id: 8038
    dma_capability: a64
  - name: legacy
    vendor_id: 10ee
    device_id: "7024"
    subsystem_device_id: "0001"
    dma_capability: a32
`

func writeFilters(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFilters), 0600))
	return path
}

func TestSelectionFilters(t *testing.T) {
	path := writeFilters(t)

	testCases := []struct {
		description string
		filtersPath string
		names       []string
		vendorID    string
		deviceID    string
		dma         string
		expected    []string
		expectError bool
	}{
		{
			description: "all filters from file",
			filtersPath: path,
			expected:    []string{"xcku115", "legacy"},
		},
		{
			description: "selected filter",
			filtersPath: path,
			names:       []string{"legacy"},
			expected:    []string{"legacy"},
		},
		{
			description: "unknown filter",
			filtersPath: path,
			names:       []string{"missing"},
			expectError: true,
		},
		{
			description: "no source",
			expectError: true,
		},
		{
			description: "missing file",
			filtersPath: filepath.Join(t.TempDir(), "missing.yaml"),
			expectError: true,
		},
		{
			description: "command line",
			vendorID:    "0x10ee",
			deviceID:    "8038",
			dma:         "a32",
			expected:    []string{commandLineFilter},
		},
		{
			description: "command line overrides file",
			filtersPath: path,
			vendorID:    "10ee",
			deviceID:    "*",
			dma:         "none",
			expected:    []string{commandLineFilter},
		},
		{
			description: "command line with selection",
			filtersPath: path,
			names:       []string{"legacy"},
			vendorID:    "10ee",
			deviceID:    "*",
			dma:         "a64",
			expectError: true,
		},
		{
			description: "wildcard vendor",
			vendorID:    "*",
			deviceID:    "*",
			dma:         "a64",
			expectError: true,
		},
		{
			description: "invalid device id",
			vendorID:    "10ee",
			deviceID:    "xyz",
			dma:         "a64",
			expectError: true,
		},
		{
			description: "invalid dma capability",
			vendorID:    "10ee",
			deviceID:    "*",
			dma:         "a48",
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			s := selection{
				global:            &globalOptions{filtersPath: tc.filtersPath},
				names:             *cli.NewStringSlice(tc.names...),
				vendorID:          tc.vendorID,
				deviceID:          tc.deviceID,
				subsystemVendorID: "*",
				subsystemDeviceID: "*",
				dmaCapability:     tc.dma,
			}

			filters, err := s.filters()
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var names []string
			for _, f := range filters {
				names = append(names, f.Name)
			}
			require.Equal(t, tc.expected, names)
		})
	}
}

func TestCommandLineFilter(t *testing.T) {
	s := selection{
		global:            &globalOptions{},
		vendorID:          "10ee",
		deviceID:          "8038",
		subsystemVendorID: "*",
		subsystemDeviceID: "0007",
		dmaCapability:     "a32",
	}

	filters, err := s.filters()
	require.NoError(t, err)
	require.Equal(t, []pci.Filter{{
		Name:              commandLineFilter,
		VendorID:          0x10ee,
		DeviceID:          0x8038,
		SubsystemVendorID: pci.AnyID,
		SubsystemDeviceID: 0x0007,
		DMACapability:     pci.DMA32,
	}}, filters)
}

func TestValidateDeviceFlags(t *testing.T) {
	testCases := []struct {
		description string
		all         bool
		deviceID    string
		expectError bool
	}{
		{
			description: "all",
			all:         true,
		},
		{
			description: "one device",
			deviceID:    "0000:01:00.0",
		},
		{
			description: "neither",
			expectError: true,
		},
		{
			description: "both",
			all:         true,
			deviceID:    "0000:01:00.0",
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			err := validateDeviceFlags(tc.all, tc.deviceID)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
