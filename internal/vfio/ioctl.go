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
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/vfio-harness/internal/iova"
)

// ioctl request numbers from <linux/vfio.h>: _IO(VFIO_TYPE, VFIO_BASE + n)
// with VFIO_TYPE ';' and VFIO_BASE 100.
const (
	vfioGetAPIVersion        = 0x3b64
	vfioCheckExtension       = 0x3b65
	vfioSetIOMMU             = 0x3b66
	vfioGroupGetStatus       = 0x3b67
	vfioGroupSetContainer    = 0x3b68
	vfioGroupUnsetContainer  = 0x3b69
	vfioGroupGetDeviceFD     = 0x3b6a
	vfioDeviceGetInfo        = 0x3b6b
	vfioDeviceGetRegionInfo  = 0x3b6c
	vfioIOMMUGetInfo         = 0x3b70
	vfioIOMMUMapDMA          = 0x3b71
	vfioIOMMUUnmapDMA        = 0x3b72
	vfioAPIVersion           = 0
	vfioGroupFlagsViable     = 1 << 0
	vfioGroupFlagsContainer  = 1 << 1
	vfioRegionInfoFlagMmap   = 1 << 2
	vfioIOMMUInfoPgSizes     = 1 << 0
	vfioIOMMUInfoCaps        = 1 << 1
	vfioIOMMUCapIOVARange    = 1
	vfioDMAMapFlagRead       = 1 << 0
	vfioDMAMapFlagWrite      = 1 << 1
	vfioPCIConfigRegionIndex = 7
	numBARs                  = 6
)

// IOMMU types, as passed to VFIO_SET_IOMMU.
const (
	Type1IOMMU   uint32 = 1
	Type1v2IOMMU uint32 = 3
	NoIOMMU      uint32 = 8
)

// IOMMUTypeName returns a readable name for an IOMMU type.
func IOMMUTypeName(t uint32) string {
	switch t {
	case Type1IOMMU:
		return "type1"
	case Type1v2IOMMU:
		return "type1v2"
	case NoIOMMU:
		return "noiommu"
	case 0:
		return "unset"
	}
	return fmt.Sprintf("type%d", t)
}

type groupStatus struct {
	Argsz uint32
	Flags uint32
}

type deviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

type regionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

type iommuType1Info struct {
	Argsz      uint32
	Flags      uint32
	IOVAPgSize uint64
	CapOffset  uint32
	_          uint32
}

type iommuType1DMAMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

type iommuType1DMAUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

func ioctl(fd int, req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// parseIOVARanges walks the capability chain of a VFIO_IOMMU_GET_INFO reply
// and returns the valid IOVA ranges, if the kernel reported them.
func parseIOVARanges(buf []byte, capOffset uint32) ([]iova.Range, error) {
	var ranges []iova.Range
	seen := make(map[uint32]bool)
	for off := capOffset; off != 0; {
		if seen[off] {
			return nil, fmt.Errorf("capability chain loops at offset %d", off)
		}
		seen[off] = true
		if uint64(off)+8 > uint64(len(buf)) {
			return nil, fmt.Errorf("capability header at offset %d exceeds %d byte reply", off, len(buf))
		}
		id := binary.LittleEndian.Uint16(buf[off:])
		next := binary.LittleEndian.Uint32(buf[off+4:])

		if id == vfioIOMMUCapIOVARange {
			if uint64(off)+16 > uint64(len(buf)) {
				return nil, fmt.Errorf("truncated IOVA range capability")
			}
			n := binary.LittleEndian.Uint32(buf[off+8:])
			base := uint64(off) + 16
			if base+uint64(n)*16 > uint64(len(buf)) {
				return nil, fmt.Errorf("IOVA range capability claims %d ranges beyond reply", n)
			}
			for i := uint64(0); i < uint64(n); i++ {
				entry := buf[base+i*16:]
				ranges = append(ranges, iova.Range{
					Start: binary.LittleEndian.Uint64(entry),
					End:   binary.LittleEndian.Uint64(entry[8:]),
				})
			}
		}
		off = next
	}
	return ranges, nil
}

// smallestPageSize returns the smallest page size in a VFIO page size
// bitmap.
func smallestPageSize(bitmap uint64) uint64 {
	if bitmap == 0 {
		return 0
	}
	return bitmap & -bitmap
}
