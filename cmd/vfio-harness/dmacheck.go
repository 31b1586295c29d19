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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/NVIDIA/vfio-harness/internal/dma"
	"github.com/NVIDIA/vfio-harness/internal/manager"
	"github.com/NVIDIA/vfio-harness/internal/vfio"
)

type dmaCheckCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
	options   dmaCheckOptions
}

type dmaCheckOptions struct {
	socket     string
	secondary  bool
	exclusive  bool
	iterations int
	size       uint64
	backing    string
}

// newDMACheckCommand constructs a dma-check command with the specified logger
func newDMACheckCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := dmaCheckCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

func (m *dmaCheckCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "dma-check",
		Usage: "Repeatedly allocate and free DMA mappings and check sub-allocation alignment",
		Action: func(c *cli.Context) error {
			return m.run(c.Context)
		},
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "socket",
				Usage:       "Abstract socket name of the manager",
				Value:       manager.DefaultSocketName,
				Destination: &m.options.socket,
				EnvVars:     []string{socketEnv},
			},
			&cli.BoolFlag{
				Name:        "secondary",
				Usage:       "Open devices through the manager instead of directly",
				Destination: &m.options.secondary,
			},
			&cli.BoolFlag{
				Name:        "exclusive",
				Usage:       "Hold the manager's exclusive claim while running (implies --secondary)",
				Destination: &m.options.exclusive,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Number of allocate/free cycles",
				Value:       1000,
				Destination: &m.options.iterations,
			},
			&cli.Uint64Flag{
				Name:        "size",
				Usage:       "Requested size of each mapping in bytes",
				Value:       4096,
				Destination: &m.options.size,
			},
			&cli.StringFlag{
				Name:        "backing",
				Usage:       "Buffer backing: heap, shm, hugepage or contiguous",
				Value:       dma.Heap.String(),
				Destination: &m.options.backing,
			},
		}, m.selection.flags()...),
	}
	return &c
}

func (m *dmaCheckCommand) run(ctx context.Context) (rerr error) {
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}
	backing, err := dma.ParseBacking(m.options.backing)
	if err != nil {
		return err
	}

	opts := []vfio.Option{
		vfio.WithRoot(m.global.root),
		vfio.WithLogger(m.logger),
	}
	var client *manager.Client
	if m.options.secondary || m.options.exclusive {
		client, err = manager.Dial(ctx, m.options.socket, manager.WithClientLogger(m.logger))
		if err != nil {
			return err
		}
		defer func() {
			rerr = multierr.Append(rerr, client.Close())
		}()
		opts = append(opts, vfio.WithManager(client))
	}

	devices, err := vfio.Open(filters, opts...)
	if err != nil {
		return err
	}
	defer func() {
		rerr = multierr.Append(rerr, devices.Close())
	}()
	if devices.Len() == 0 {
		return fmt.Errorf("no devices could be opened (%d failed)", len(devices.Failures()))
	}

	if m.options.exclusive {
		if err := client.AcquireExclusive(ctx); err != nil {
			return err
		}
		defer func() {
			rerr = multierr.Append(rerr, client.ReleaseExclusive())
		}()
		m.logger.Infof("Holding exclusive access")
	}

	for i := 0; i < m.options.iterations; i++ {
		if err := m.cycle(devices, backing); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	if n := devices.Mappings(); n != 0 {
		return fmt.Errorf("%d mappings still outstanding", n)
	}
	m.logger.Infof("Completed %d %s allocations of %d bytes on %d devices (%s)",
		m.options.iterations, backing, m.options.size, devices.Len(), devices.DMACapability())
	return nil
}

// cycle allocates one mapping, carves it into misaligned pieces and frees it.
func (m *dmaCheckCommand) cycle(devices *vfio.Devices, backing dma.Backing) (rerr error) {
	mapping, err := devices.AllocateDMA(m.options.size, dma.ReadWrite, backing)
	if err != nil {
		return err
	}
	defer func() {
		rerr = multierr.Append(rerr, mapping.Free())
	}()
	m.logger.Debugf("Mapped %d bytes at IOVA %#x", mapping.Size(), mapping.IOVA)

	if mapping.Size() < m.options.size {
		return fmt.Errorf("mapping of %d bytes is smaller than the %d requested", mapping.Size(), m.options.size)
	}
	for _, size := range []uint64{1, 3, dma.SubspaceAlignment + 1} {
		mapping.AlignSubspace()
		if mapping.Remaining() < size {
			break
		}
		buf, addr, err := mapping.AllocateSubspace(size)
		if err != nil {
			return err
		}
		if addr%dma.SubspaceAlignment != 0 {
			return fmt.Errorf("sub-allocation at IOVA %#x is not %d byte aligned", addr, dma.SubspaceAlignment)
		}
		buf[0] = 0xa5
	}
	return nil
}
