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

	"github.com/NVIDIA/vfio-harness/internal/pci"
)

type unbindCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
	options   unbindOptions
}

type unbindOptions struct {
	all      bool
	deviceID string
}

// newUnbindCommand constructs an unbind command with the specified logger
func newUnbindCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := unbindCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

// build the unbind command
func (m *unbindCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "unbind",
		Usage: "Unbind device(s) from their current driver",
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
				Usage:       "Unbind every device matching the filters",
			},
			&cli.StringFlag{
				Name:        "device-id",
				Aliases:     []string{"d"},
				Destination: &m.options.deviceID,
				Usage:       "Specific device to unbind (e.g., 0000:01:00.0)",
			},
		}, m.selection.flags()...),
	}

	return &c
}

func (m *unbindCommand) run() error {
	scanner := pci.NewScanner(pci.WithRoot(m.global.root), pci.WithLogger(m.logger))
	if m.options.deviceID != "" {
		return m.unbindDevice(scanner, m.options.deviceID)
	}

	return m.unbindAll(scanner)
}

func (m *unbindCommand) unbindAll(scanner *pci.Scanner) error {
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}
	matches, err := scanner.Match(filters)
	if err != nil {
		return fmt.Errorf("failed to scan PCI bus: %w", err)
	}

	for _, match := range matches {
		m.logger.Infof("Unbinding device %s (%s)", match.Address, match.Filter.Name)
		if err := scanner.UnbindFromDriver(match.Function); err != nil {
			m.logger.Warnf("Failed to unbind device %s: %v", match.Address, err)
		}
	}
	return nil
}

func (m *unbindCommand) unbindDevice(scanner *pci.Scanner, device string) error {
	fn, err := lookupFunction(scanner, device)
	if err != nil {
		return err
	}

	m.logger.Infof("Unbinding device %s", fn.Address)

	if err := scanner.UnbindFromDriver(fn); err != nil {
		return fmt.Errorf("failed to unbind device %s from driver: %w", fn.Address, err)
	}

	return nil
}
