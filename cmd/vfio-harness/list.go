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
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/linuxutils"
	"github.com/NVIDIA/vfio-harness/internal/vfio"
)

type listCommand struct {
	logger    *logrus.Logger
	global    *globalOptions
	selection selection
}

// newListCommand constructs a list command with the specified logger
func newListCommand(logger *logrus.Logger, global *globalOptions) *cli.Command {
	c := listCommand{
		logger:    logger,
		global:    global,
		selection: selection{global: global},
	}
	return c.build()
}

func (m *listCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "list",
		Usage: "List matching devices and whether they can be opened, without opening them",
		Action: func(c *cli.Context) error {
			return m.run(c.App.Writer)
		},
		Flags: m.selection.flags(),
	}
	return &c
}

func (m *listCommand) run(w io.Writer) error {
	filters, err := m.selection.filters()
	if err != nil {
		return err
	}

	modules := linuxutils.NewKernelModules(m.logger, linuxutils.WithRoot(m.global.root))
	if loaded, err := modules.IsLoaded("vfio_pci"); err != nil {
		m.logger.Warnf("Unable to check for the vfio_pci module: %v", err)
	} else if !loaded {
		m.logger.Warnf("The vfio_pci module is not loaded")
	}

	possible, err := vfio.ListPossible(filters, vfio.WithRoot(m.global.root), vfio.WithLogger(m.logger))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tFILTER\tIDENTITY\tDRIVER\tGROUP\tSTATUS")
	inaccessible := 0
	for _, p := range possible {
		status := "ok"
		if p.NoIOMMU {
			status = "ok (noiommu)"
		}
		if !p.Accessible {
			status = p.Reason
			inaccessible++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Address, p.Filter.Name, p.Identity, orNone(p.Driver), orNone(p.IOMMUGroup), status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if inaccessible > 0 {
		missing, err := linuxutils.MissingCapabilities("CAP_SYS_RAWIO", "CAP_IPC_LOCK")
		if err == nil && len(missing) > 0 {
			m.logger.Infof("Missing capabilities: %v", missing)
		}
	}
	m.logger.Debugf("%d of %d devices can be opened", len(possible)-inaccessible, len(possible))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
