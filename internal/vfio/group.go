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
	"unsafe"

	"golang.org/x/sys/unix"
)

const vfioDevDir = "dev/vfio"

// Group is an open IOMMU group node.
type Group struct {
	// Number is the IOMMU group number as found in sysfs.
	Number string
	// Name is the node name under /dev/vfio, "noiommu-<N>" in NOIOMMU mode.
	Name    string
	NoIOMMU bool

	file    *os.File
	devices int
}

// groupNode returns the node for an IOMMU group and whether it is a NOIOMMU
// node. The regular node is preferred when both exist.
func groupNode(root, number string) (string, bool, error) {
	path := filepath.Join(root, vfioDevDir, number)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	noiommu := filepath.Join(root, vfioDevDir, "noiommu-"+number)
	if _, err := os.Stat(noiommu); err == nil {
		return noiommu, true, nil
	}
	return "", false, fmt.Errorf("no VFIO node for IOMMU group %s under %s (is the device bound to a vfio driver?)", number, filepath.Join(root, vfioDevDir))
}

func openGroup(root, number string) (*Group, error) {
	path, noIOMMU, err := groupNode(root, number)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case errors.Is(err, os.ErrPermission):
		return nil, newPermissionError(path, noIOMMU, err)
	case errors.Is(err, unix.EBUSY):
		return nil, fmt.Errorf("IOMMU group %s is already in use by another process", number)
	case err != nil:
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Group{
		Number:  number,
		Name:    filepath.Base(path),
		NoIOMMU: noIOMMU,
		file:    file,
	}, nil
}

func (g *Group) fd() int {
	return int(g.file.Fd())
}

func (g *Group) status() (uint32, error) {
	status := groupStatus{Argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctlPtr(g.fd(), vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		return 0, fmt.Errorf("failed to get status of IOMMU group %s: %w", g.Number, err)
	}
	return status.Flags, nil
}

// checkViable fails unless every device in the group is bound to a VFIO
// driver.
func (g *Group) checkViable() error {
	flags, err := g.status()
	if err != nil {
		return err
	}
	if flags&vfioGroupFlagsViable == 0 {
		return fmt.Errorf("IOMMU group %s is not viable: not all of its devices are bound to a vfio driver", g.Number)
	}
	return nil
}

func (g *Group) setContainer(c *Container) error {
	fd := int32(c.fd())
	if _, err := ioctlPtr(g.fd(), vfioGroupSetContainer, unsafe.Pointer(&fd)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("IOMMU group %s already belongs to another container", g.Number)
		}
		return fmt.Errorf("failed to attach IOMMU group %s to container: %w", g.Number, err)
	}
	return nil
}

// deviceFile returns a descriptor for the device named by its PCI address.
func (g *Group) deviceFile(address string) (*os.File, error) {
	name, err := unix.BytePtrFromString(address)
	if err != nil {
		return nil, err
	}
	fd, err := ioctlPtr(g.fd(), vfioGroupGetDeviceFD, unsafe.Pointer(name))
	if err != nil {
		return nil, fmt.Errorf("failed to get device descriptor from IOMMU group %s: %w", g.Number, err)
	}
	return os.NewFile(uintptr(fd), "vfio-device-"+address), nil
}

// Close detaches the group from its container.
func (g *Group) Close() error {
	if _, err := ioctl(g.fd(), vfioGroupUnsetContainer, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		g.file.Close()
		return fmt.Errorf("failed to detach IOMMU group %s: %w", g.Number, err)
	}
	return g.file.Close()
}
