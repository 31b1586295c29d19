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
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/NVIDIA/vfio-harness/internal/pci"
	"github.com/NVIDIA/vfio-harness/internal/vfio"
)

type configCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
	options   configOptions
}

type configOptions struct {
	deviceID string
	offset   string
	width    int
	write    string
}

// newConfigCommand constructs a config command with the specified logger
func newConfigCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := configCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

func (m *configCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "config",
		Usage: "Read or write a configuration space register of an opened device",
		Before: func(c *cli.Context) error {
			return m.validateFlags()
		},
		Action: func(c *cli.Context) error {
			return m.run(c.App.Writer)
		},
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "device-id",
				Aliases:     []string{"d"},
				Usage:       "Device to access (e.g., 0000:01:00.0); defaults to the first opened device",
				Destination: &m.options.deviceID,
			},
			&cli.StringFlag{
				Name:        "offset",
				Usage:       "Register offset in configuration space",
				Value:       "0x0",
				Destination: &m.options.offset,
			},
			&cli.IntFlag{
				Name:        "width",
				Usage:       "Register width in bits: 16 or 32",
				Value:       32,
				Destination: &m.options.width,
			},
			&cli.StringFlag{
				Name:        "write",
				Usage:       "Value to write before reading back",
				Destination: &m.options.write,
			},
		}, m.selection.flags()...),
	}
	return &c
}

func (m *configCommand) validateFlags() error {
	if m.options.width != 16 && m.options.width != 32 {
		return fmt.Errorf("--width must be 16 or 32")
	}
	return nil
}

func (m *configCommand) run(w io.Writer) (rerr error) {
	offset, err := strconv.ParseUint(m.options.offset, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}

	devices, err := vfio.Open(filters, vfio.WithRoot(m.global.root), vfio.WithLogger(m.logger))
	if err != nil {
		return err
	}
	defer func() {
		rerr = multierr.Append(rerr, devices.Close())
	}()

	dev, err := m.device(devices)
	if err != nil {
		return err
	}

	if m.options.write != "" {
		v, err := strconv.ParseUint(m.options.write, 0, m.options.width)
		if err != nil {
			return fmt.Errorf("invalid --write: %w", err)
		}
		if err := m.writeRegister(dev, offset, v); err != nil {
			return err
		}
	}

	v, err := m.readRegister(dev, offset)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s config %#x: %#0*x\n", dev.Address, offset, m.options.width/4+2, v)
	return nil
}

func (m *configCommand) device(devices *vfio.Devices) (*vfio.Device, error) {
	opened := devices.Devices()
	if m.options.deviceID == "" {
		if len(opened) == 0 {
			return nil, fmt.Errorf("no devices could be opened")
		}
		return opened[0], nil
	}
	addr, err := pci.ParseAddress(m.options.deviceID)
	if err != nil {
		return nil, err
	}
	for _, dev := range opened {
		if dev.Address == addr {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("device %s is not open", addr)
}

func (m *configCommand) readRegister(dev *vfio.Device, offset uint64) (uint64, error) {
	if m.options.width == 16 {
		v, err := dev.ReadConfigWord(offset)
		return uint64(v), err
	}
	v, err := dev.ReadConfigLong(offset)
	return uint64(v), err
}

func (m *configCommand) writeRegister(dev *vfio.Device, offset, v uint64) error {
	if m.options.width == 16 {
		return dev.WriteConfigWord(offset, uint16(v))
	}
	return dev.WriteConfigLong(offset, uint32(v))
}
