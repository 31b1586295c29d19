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

package linuxutils

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	procModules = "proc/modules"
)

// Module is one entry of /proc/modules.
type Module struct {
	Name     string
	Size     int
	RefCount int
	UsedBy   string
}

type KernelModules struct {
	log *logrus.Logger

	root string
}

func NewKernelModules(log *logrus.Logger, options ...func(modules *KernelModules)) *KernelModules {
	km := &KernelModules{
		log: log,
	}
	for _, option := range options {
		option(km)
	}
	if km.root == "" {
		km.root = "/"
	}
	return km
}

func WithRoot(root string) func(modules *KernelModules) {
	return func(km *KernelModules) {
		km.root = root
	}
}

// List returns the loaded modules whose /proc/modules line contains
// searchKey. An empty searchKey lists every module.
func (km *KernelModules) List(searchKey string) ([]Module, error) {
	modsFilePath := filepath.Join(km.root, procModules)
	file, err := os.Open(modsFilePath)
	if err != nil {
		return nil, fmt.Errorf("error opening file %s: %w", modsFilePath, err)
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			km.log.Warnf("error closing file %s: %v", modsFilePath, err)
		}
	}(file)

	var modules []Module
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		if len(searchKey) > 0 && !strings.Contains(line, searchKey) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		size, err := strconv.Atoi(fields[1])
		if err != nil {
			km.log.Warnf("error parsing module size %s: %v", fields[1], err)
			continue
		}

		refCnt, err := strconv.Atoi(fields[2])
		if err != nil {
			km.log.Warnf("error parsing module ref count %s: %v", fields[2], err)
			continue
		}

		modules = append(modules, Module{
			Name:     fields[0],
			Size:     size,
			RefCount: refCnt,
			UsedBy:   strings.TrimSuffix(fields[3], ","),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", modsFilePath, err)
	}
	return modules, nil
}

// IsLoaded reports whether the named module is loaded. Dashes and
// underscores are interchangeable, as they are for modprobe.
func (km *KernelModules) IsLoaded(name string) (bool, error) {
	want := strings.ReplaceAll(name, "-", "_")
	modules, err := km.List(want)
	if err != nil {
		return false, err
	}
	for _, m := range modules {
		if m.Name == want {
			return true, nil
		}
	}
	return false, nil
}

func (km *KernelModules) Load(module string) error {
	cmd := exec.Command("chroot", km.root, "modprobe", module)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load module %s: %w (%s)", module, err, strings.TrimSpace(string(out)))
	}
	return nil
}
