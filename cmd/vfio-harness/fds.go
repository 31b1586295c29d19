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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/linuxutils"
	"github.com/NVIDIA/vfio-harness/internal/process"
)

type fdsCommand struct {
	logger *logrus.Logger
}

// newFDsCommand constructs an fds command with the specified logger
func newFDsCommand(logger *logrus.Logger) *cli.Command {
	c := fdsCommand{
		logger: logger,
	}
	return c.build()
}

func (m fdsCommand) build() *cli.Command {
	c := cli.Command{
		Name:  "fds",
		Usage: "Show the open file descriptors and VFIO-related capabilities of this process",
		Action: func(c *cli.Context) error {
			return m.run(c.App.Writer)
		},
	}
	return &c
}

func (m fdsCommand) run(w io.Writer) error {
	fds, err := linuxutils.OpenFDs()
	if err != nil {
		return err
	}
	inherited := make(map[int]bool)
	if numbers, err := process.InheritedFDs(); err != nil {
		m.logger.Warnf("%v", err)
	} else {
		for _, n := range numbers {
			inherited[n] = true
		}
	}
	for _, fd := range fds {
		if inherited[fd.Number] {
			fmt.Fprintf(w, "%s (inherited)\n", fd)
			continue
		}
		fmt.Fprintln(w, fd)
	}

	caps, err := linuxutils.Capabilities()
	if err != nil {
		m.logger.Warnf("Unable to read capabilities: %v", err)
		return nil
	}
	for _, c := range caps {
		fmt.Fprintf(w, "%s effective=%t permitted=%t\n", c.Name, c.Effective, c.Permitted)
	}
	return nil
}
