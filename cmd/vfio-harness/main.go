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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NVIDIA/vfio-harness/internal/info"
)

// globalOptions holds flags shared by every command.
type globalOptions struct {
	debug       bool
	root        string
	filtersPath string
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableQuote:  true,
	})

	opts := &globalOptions{}

	app := cli.NewApp()
	app.Name = "vfio-harness"
	app.Usage = "Open, map and exercise PCIe FPGA boards through VFIO"
	app.Version = info.GetVersionString()

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "Enable debug logging",
			Destination: &opts.debug,
			EnvVars:     []string{"VFIO_HARNESS_DEBUG"},
		},
		&cli.StringFlag{
			Name:        "filters",
			Usage:       "YAML file listing the board identity filters",
			Destination: &opts.filtersPath,
			EnvVars:     []string{"VFIO_HARNESS_FILTERS"},
		},
		&cli.StringFlag{
			Name:        "root",
			Usage:       "Root of the sysfs, procfs and /dev trees",
			Value:       "/",
			Destination: &opts.root,
			Hidden:      true,
		},
	}

	app.Before = func(c *cli.Context) error {
		if opts.debug {
			log.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	app.Commands = []*cli.Command{
		newListCommand(log, opts),
		newBindCommand(log, opts),
		newUnbindCommand(log, opts),
		newManagerCommand(log, opts),
		newDMACheckCommand(log, opts),
		newConfigCommand(log, opts),
		newFDsCommand(log),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
