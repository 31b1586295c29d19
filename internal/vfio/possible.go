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

package vfio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/vfio-harness/internal/pci"
)

const iommuGroupsRoot = "sys/kernel/iommu_groups"

// Possible reports whether a matching device could be opened, without
// opening anything.
type Possible struct {
	pci.Match
	// Node is the group node under /dev/vfio, empty if there is none.
	Node    string
	NoIOMMU bool
	// Accessible is true when every check passed. Reason explains the
	// first failed check otherwise.
	Accessible bool
	Reason     string
}

// ListPossible matches filters against the PCI bus and checks, for every
// match, the driver binding, group viability and node access.
func ListPossible(filters []pci.Filter, opts ...Option) ([]Possible, error) {
	d := New(opts...)
	matches, err := d.scanner.Match(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to scan PCI bus: %w", err)
	}

	var possible []Possible
	for _, m := range matches {
		p := Possible{Match: m}
		if err := d.checkPossible(&p); err != nil {
			p.Reason = err.Error()
		} else {
			p.Accessible = true
		}
		possible = append(possible, p)
	}
	return possible, nil
}

func (d *Devices) checkPossible(p *Possible) error {
	if p.IOMMUGroup == "" {
		return errors.New("no IOMMU group")
	}
	if !isVFIODriver(p.Driver) {
		if p.Driver == "" {
			return errors.New("not bound to any driver")
		}
		return fmt.Errorf("bound to %s, not a vfio driver", p.Driver)
	}

	node, noIOMMU, err := groupNode(d.root, p.IOMMUGroup)
	if err != nil {
		return err
	}
	p.Node = node
	p.NoIOMMU = noIOMMU

	if err := d.checkGroupViable(p.IOMMUGroup); err != nil {
		return err
	}

	for _, path := range []string{node, filepath.Join(d.root, vfioDevDir, containerNode)} {
		if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
			if errors.Is(err, unix.ENOENT) {
				return fmt.Errorf("%s does not exist", path)
			}
			return newPermissionError(path, noIOMMU, err)
		}
	}
	return nil
}

// checkGroupViable applies the kernel viability rule to sysfs: every device
// in the group must be bound to a vfio driver, pci-stub, pcieport or no
// driver at all.
func (d *Devices) checkGroupViable(group string) error {
	dir := filepath.Join(d.root, iommuGroupsRoot, group, "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list IOMMU group %s: %w", group, err)
	}

	var blocking []string
	for _, entry := range entries {
		driver, err := filepath.EvalSymlinks(filepath.Join(dir, entry.Name(), "driver"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read driver of %s: %w", entry.Name(), err)
		}
		name := filepath.Base(driver)
		if isVFIODriver(name) || name == "pci-stub" || name == "pcieport" {
			continue
		}
		blocking = append(blocking, fmt.Sprintf("%s (%s)", entry.Name(), name))
	}
	if len(blocking) > 0 {
		sort.Strings(blocking)
		return fmt.Errorf("IOMMU group %s is not viable: %s not bound to a vfio driver", group, strings.Join(blocking, ", "))
	}
	return nil
}

func isVFIODriver(name string) bool {
	return strings.Contains(name, "vfio")
}
