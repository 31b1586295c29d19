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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/linuxutils"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

type bindCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
	options   bindOptions
}

type bindOptions struct {
	all      bool
	deviceID string
}

// newBindCommand constructs a bind command with the specified logger
func newBindCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := bindCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

// build the bind command
func (m *bindCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "bind",
		Usage: "Bind device(s) to their vfio driver",
		Before: func(c *cli.Context) error {
			return validateDeviceFlags(m.options.all, m.options.deviceID)
		},
		Action: func(c *cli.Context) error {
			return m.run()
		},
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:        "all",
				Aliases:     []string{"a"},
				Destination: &m.options.all,
				Usage:       "Bind every device matching the filters",
			},
			&cli.StringFlag{
				Name:        "device-id",
				Aliases:     []string{"d"},
				Destination: &m.options.deviceID,
				Usage:       "Specific device to bind (e.g., 0000:01:00.0)",
			},
		}, m.selection.flags()...),
	}

	return &c
}

func validateDeviceFlags(all bool, deviceID string) error {
	if !all && deviceID == "" {
		return fmt.Errorf("either --all or --device-id must be specified")
	}

	if all && deviceID != "" {
		return fmt.Errorf("cannot specify both --all and --device-id")
	}

	return nil
}

func (m *bindCommand) run() error {
	if err := m.loadVFIOModule(); err != nil {
		return err
	}

	scanner := pci.NewScanner(pci.WithRoot(m.global.root), pci.WithLogger(m.logger))
	if m.options.deviceID != "" {
		return m.bindDevice(scanner, m.options.deviceID)
	}

	return m.bindAll(scanner)
}

func (m *bindCommand) loadVFIOModule() error {
	modules := linuxutils.NewKernelModules(m.logger, linuxutils.WithRoot(m.global.root))
	loaded, err := modules.IsLoaded("vfio_pci")
	if err != nil {
		return fmt.Errorf("failed to check for the vfio_pci module: %w", err)
	}
	if loaded {
		return nil
	}
	m.logger.Infof("Loading the vfio-pci module")
	return modules.Load("vfio-pci")
}

func (m *bindCommand) bindAll(scanner *pci.Scanner) error {
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}
	matches, err := scanner.Match(filters)
	if err != nil {
		return fmt.Errorf("failed to scan PCI bus: %w", err)
	}

	for _, match := range matches {
		m.logger.Infof("Binding device %s (%s)", match.Address, match.Filter.Name)
		if err := scanner.BindToVFIODriver(match.Function); err != nil {
			m.logger.Warnf("Failed to bind device %s: %v", match.Address, err)
		}
	}

	return nil
}

func (m *bindCommand) bindDevice(scanner *pci.Scanner, device string) error {
	fn, err := lookupFunction(scanner, device)
	if err != nil {
		return err
	}

	m.logger.Infof("Binding device %s", fn.Address)

	if err := scanner.BindToVFIODriver(fn); err != nil {
		return fmt.Errorf("failed to bind device %s to vfio driver: %w", fn.Address, err)
	}

	return nil
}

func lookupFunction(scanner *pci.Scanner, device string) (*pci.Function, error) {
	addr, err := pci.ParseAddress(device)
	if err != nil {
		return nil, err
	}
	fn, err := scanner.Function(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get PCI device %s: %w", addr, err)
	}
	return fn, nil
}
