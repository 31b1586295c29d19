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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/vfio-harness/internal/manager"
	"github.com/NVIDIA/vfio-harness/internal/process"
	"github.com/NVIDIA/vfio-harness/internal/vfio"
)

const socketEnv = "VFIO_HARNESS_SOCKET"

type managerCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
	options   managerOptions
}

type managerOptions struct {
	socket      string
	maxDevices  int
	secondaries int
	inheritFDs  bool
}

// newManagerCommand constructs a manager command with the specified logger
func newManagerCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := managerCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

func (m *managerCommand) build() *cli.Command {
	c := cli.Command{
		Name:      "manager",
		Usage:     "Open the matching devices and share them with secondary processes",
		ArgsUsage: "[-- command [args...]]",
		Action: func(c *cli.Context) error {
			return m.run(c.Context, c.Args().Slice())
		},
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "socket",
				Usage:       "Abstract socket name to listen on",
				Value:       manager.DefaultSocketName,
				Destination: &m.options.socket,
				EnvVars:     []string{socketEnv},
			},
			&cli.IntFlag{
				Name:        "max-devices",
				Usage:       "Maximum number of devices to open",
				Value:       vfio.DefaultMaxDevices,
				Destination: &m.options.maxDevices,
			},
			&cli.IntFlag{
				Name:        "secondaries",
				Aliases:     []string{"n"},
				Usage:       "Number of copies of the command to launch; the manager exits once they all have",
				Value:       1,
				Destination: &m.options.secondaries,
			},
			&cli.BoolFlag{
				Name:        "inherit-fds",
				Usage:       "Pass the container and device descriptors to the launched commands",
				Destination: &m.options.inheritFDs,
			},
		}, m.selection.flags()...),
	}
	return &c
}

func (m *managerCommand) run(ctx context.Context, command []string) error {
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}

	devices, err := vfio.Open(filters,
		vfio.WithRoot(m.global.root),
		vfio.WithLogger(m.logger),
		vfio.WithMaxDevices(m.options.maxDevices),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := devices.Close(); err != nil {
			m.logger.Warnf("Failed to close devices: %v", err)
		}
	}()
	if devices.Len() == 0 {
		return fmt.Errorf("no devices could be opened (%d failed)", len(devices.Failures()))
	}

	server, err := manager.Listen(m.options.socket, devices, manager.WithServerLogger(m.logger))
	if err != nil {
		return err
	}
	m.logger.Infof("Serving %d devices on @%s", devices.Len(), server.Name())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx)
	})
	if len(command) > 0 {
		g.Go(func() error {
			defer cancel()
			return m.runSecondaries(ctx, server.Name(), m.inheritedFiles(devices), command)
		})
	}
	return g.Wait()
}

// inheritedFiles returns the container descriptor followed by one
// descriptor per open device, or nothing unless --inherit-fds is set.
func (m *managerCommand) inheritedFiles(devices *vfio.Devices) []*os.File {
	if !m.options.inheritFDs {
		return nil
	}
	var files []*os.File
	if container := devices.ContainerFile(); container != nil {
		files = append(files, container)
	}
	for _, dev := range devices.Devices() {
		files = append(files, dev.File())
	}
	return files
}

func (m *managerCommand) runSecondaries(ctx context.Context, socket string, files []*os.File, command []string) error {
	var procs []*process.Process
	for i := 0; i < m.options.secondaries; i++ {
		p, err := process.Launch(ctx, command[0], command[1:],
			process.WithEnv(socketEnv+"="+socket),
			process.WithFiles(files...),
			process.WithLogger(m.logger),
		)
		if err != nil {
			m.logger.Warnf("%v", err)
			continue
		}
		m.logger.Infof("Launched secondary %d: %s (pid %d)", i, p.Path, p.Pid())
		procs = append(procs, p)
	}
	if len(procs) == 0 {
		return fmt.Errorf("failed to launch any secondary process")
	}

	results, err := process.AwaitAll(procs)
	for _, r := range results {
		if r.Err != nil {
			m.logger.Warnf("Secondary pid %d: %v", r.Pid, r.Err)
			continue
		}
		m.logger.Infof("Secondary pid %d exited successfully", r.Pid)
	}
	return err
}
