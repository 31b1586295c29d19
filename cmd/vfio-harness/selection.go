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
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// commandLineFilter names the filter built from --vendor-id and friends.
const commandLineFilter = "command-line"

// selection picks the filters a command works on: either named entries of
// the --filters registry, or one filter given on the command line.
type selection struct {
	global *globalOptions

	names             cli.StringSlice
	vendorID          string
	deviceID          string
	subsystemVendorID string
	subsystemDeviceID string
	dmaCapability     string
}

func (s *selection) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "select",
			Aliases:     []string{"s"},
			Usage:       "Name of a filter from the --filters file; all filters are used if none is given",
			Destination: &s.names,
		},
		&cli.StringFlag{
			Name:        "vendor-id",
			Usage:       "Match this vendor ID (hex) instead of using the --filters file",
			Destination: &s.vendorID,
		},
		&cli.StringFlag{
			Name:        "pci-device-id",
			Usage:       "Match this device ID (hex or *)",
			Value:       "*",
			Destination: &s.deviceID,
		},
		&cli.StringFlag{
			Name:        "subsystem-vendor-id",
			Usage:       "Match this subsystem vendor ID (hex or *)",
			Value:       "*",
			Destination: &s.subsystemVendorID,
		},
		&cli.StringFlag{
			Name:        "subsystem-device-id",
			Usage:       "Match this subsystem device ID (hex or *)",
			Value:       "*",
			Destination: &s.subsystemDeviceID,
		},
		&cli.StringFlag{
			Name:        "dma",
			Usage:       "DMA capability of the command line filter: none, a32 or a64",
			Value:       "a64",
			Destination: &s.dmaCapability,
		},
	}
}

func (s *selection) filters() ([]pci.Filter, error) {
	if s.vendorID != "" {
		if len(s.names.Value()) > 0 {
			return nil, fmt.Errorf("cannot specify both --vendor-id and --select")
		}
		f, err := s.commandLineFilter()
		if err != nil {
			return nil, err
		}
		return []pci.Filter{f}, nil
	}

	if s.global.filtersPath == "" {
		return nil, fmt.Errorf("either --filters or --vendor-id must be specified")
	}
	registry, err := pci.LoadRegistry(s.global.filtersPath)
	if err != nil {
		return nil, err
	}
	return registry.Select(s.names.Value()...)
}

func (s *selection) commandLineFilter() (pci.Filter, error) {
	f := pci.Filter{Name: commandLineFilter}
	ids := []struct {
		flag  string
		value string
		dest  *pci.ID
	}{
		{"--vendor-id", s.vendorID, &f.VendorID},
		{"--pci-device-id", s.deviceID, &f.DeviceID},
		{"--subsystem-vendor-id", s.subsystemVendorID, &f.SubsystemVendorID},
		{"--subsystem-device-id", s.subsystemDeviceID, &f.SubsystemDeviceID},
	}
	for _, id := range ids {
		v, err := pci.ParseID(id.value)
		if err != nil {
			return pci.Filter{}, fmt.Errorf("invalid %s: %w", id.flag, err)
		}
		*id.dest = v
	}
	if f.VendorID == pci.AnyID {
		return pci.Filter{}, fmt.Errorf("--vendor-id cannot be a wildcard")
	}
	if err := f.DMACapability.UnmarshalText([]byte(s.dmaCapability)); err != nil {
		return pci.Filter{}, fmt.Errorf("invalid --dma: %w", err)
	}
	return f, nil
}
