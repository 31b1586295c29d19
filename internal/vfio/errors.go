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
	"strings"

	"github.com/NVIDIA/vfio-harness/internal/linuxutils"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

var (
	// ErrPermission is matched by every PermissionError.
	ErrPermission = errors.New("insufficient permission for VFIO")
	// ErrDeviceOpen is matched by every DeviceOpenError.
	ErrDeviceOpen = errors.New("failed to open VFIO device")
)

// PermissionError reports a VFIO node the process may not open.
type PermissionError struct {
	Path    string
	NoIOMMU bool
	// MissingCaps lists required capabilities absent from the effective
	// set.
	MissingCaps []string
	Err         error
}

func (e *PermissionError) Error() string {
	var remedy string
	switch {
	case e.NoIOMMU:
		remedy = "NOIOMMU mode requires CAP_SYS_RAWIO; run as root or grant it with 'setcap cap_sys_rawio,cap_ipc_lock+ep <binary>'"
	default:
		remedy = "grant the user read/write access to the group node (for example with a udev rule or chown) and raise RLIMIT_MEMLOCK or grant cap_ipc_lock"
	}
	msg := fmt.Sprintf("permission denied opening %s: %s", e.Path, remedy)
	if len(e.MissingCaps) > 0 {
		msg += fmt.Sprintf(" (missing %s)", strings.Join(e.MissingCaps, ", "))
	}
	return msg
}

func (e *PermissionError) Unwrap() []error {
	return []error{ErrPermission, e.Err}
}

func newPermissionError(path string, noIOMMU bool, err error) *PermissionError {
	wanted := []string{"CAP_IPC_LOCK"}
	if noIOMMU {
		wanted = []string{"CAP_SYS_RAWIO", "CAP_IPC_LOCK"}
	}
	missing, capErr := linuxutils.MissingCapabilities(wanted...)
	if capErr != nil {
		missing = nil
	}
	return &PermissionError{Path: path, NoIOMMU: noIOMMU, MissingCaps: missing, Err: err}
}

// DeviceOpenError reports a device that could not be opened. Group is empty
// when the device has no IOMMU group.
type DeviceOpenError struct {
	Address pci.Address
	Group   string
	Err     error
}

func (e *DeviceOpenError) Error() string {
	group := e.Group
	if group == "" {
		group = "none"
	}
	return fmt.Sprintf("failed to open %s (IOMMU group %s): %v", e.Address, group, e.Err)
}

func (e *DeviceOpenError) Unwrap() []error {
	return []error{ErrDeviceOpen, e.Err}
}
