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
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/vfio-harness/internal/dma"
	"github.com/NVIDIA/vfio-harness/internal/iova"
)

const (
	// defaultIOVALimit bounds the IOVA space assumed when the kernel does
	// not report valid ranges.
	defaultIOVALimit = 1<<48 - 1
	msiWindowStart   = 0xfee00000
	msiWindowEnd     = 0xfeefffff
)

// Container is an open /dev/vfio/vfio. It implements dma.IOMMU.
type Container struct {
	file      *os.File
	iommuType uint32
	pageSize  uint64
	ranges    []iova.Range
}

var _ dma.IOMMU = (*Container)(nil)

func openContainer(path string) (*Container, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	version, err := ioctl(int(file.Fd()), vfioGetAPIVersion, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to query VFIO API version: %w", err)
	}
	if version != vfioAPIVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported VFIO API version %d", version)
	}
	return &Container{file: file}, nil
}

// adoptContainer wraps a container descriptor received from the manager,
// which has already selected the IOMMU type.
func adoptContainer(file *os.File, iommuType uint32) (*Container, error) {
	c := &Container{file: file, iommuType: iommuType}
	if iommuType == NoIOMMU {
		c.pageSize = uint64(os.Getpagesize())
		return c, nil
	}
	if err := c.queryInfo(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) fd() int {
	return int(c.file.Fd())
}

// File returns the container descriptor.
func (c *Container) File() *os.File {
	return c.file
}

// IOMMUType returns the type selected by setIOMMU, or 0 before any group was
// attached.
func (c *Container) IOMMUType() uint32 {
	return c.iommuType
}

// NoIOMMU reports whether DMA addresses are physical addresses.
func (c *Container) NoIOMMU() bool {
	return c.iommuType == NoIOMMU
}

// PageSize is the smallest IOMMU page size.
func (c *Container) PageSize() uint64 {
	return c.pageSize
}

// Ranges returns the usable IOVA ranges.
func (c *Container) Ranges() []iova.Range {
	return append([]iova.Range(nil), c.ranges...)
}

// Token identifies the container across processes sharing its descriptor.
func (c *Container) Token() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd(), &st); err != nil {
		return 0, fmt.Errorf("failed to stat container: %w", err)
	}
	return uint64(st.Dev)<<32 ^ st.Ino, nil
}

// setIOMMU selects the best supported IOMMU type. It must be called after
// the first group has been attached.
func (c *Container) setIOMMU(noIOMMU bool) error {
	candidates := []uint32{Type1v2IOMMU, Type1IOMMU}
	if noIOMMU {
		candidates = []uint32{NoIOMMU}
	}
	for _, t := range candidates {
		supported, err := ioctl(c.fd(), vfioCheckExtension, uintptr(t))
		if err != nil || supported <= 0 {
			continue
		}
		if _, err := ioctl(c.fd(), vfioSetIOMMU, uintptr(t)); err != nil {
			return fmt.Errorf("failed to set IOMMU type %s: %w", IOMMUTypeName(t), err)
		}
		c.iommuType = t
		if noIOMMU {
			c.pageSize = uint64(os.Getpagesize())
			return nil
		}
		return c.queryInfo()
	}
	if noIOMMU {
		return fmt.Errorf("kernel does not support VFIO NOIOMMU mode (enable_unsafe_noiommu_mode)")
	}
	return fmt.Errorf("kernel supports none of the IOMMU types %s, %s", IOMMUTypeName(Type1v2IOMMU), IOMMUTypeName(Type1IOMMU))
}

func (c *Container) queryInfo() error {
	info := iommuType1Info{Argsz: uint32(unsafe.Sizeof(iommuType1Info{}))}
	if _, err := ioctlPtr(c.fd(), vfioIOMMUGetInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("failed to query IOMMU info: %w", err)
	}

	c.pageSize = uint64(os.Getpagesize())
	if info.Flags&vfioIOMMUInfoPgSizes != 0 {
		if size := smallestPageSize(info.IOVAPgSize); size != 0 {
			c.pageSize = size
		}
	}

	var ranges []iova.Range
	if info.Flags&vfioIOMMUInfoCaps != 0 && info.Argsz > uint32(unsafe.Sizeof(info)) {
		// re-query with room for the capability chain
		words := make([]uint64, (info.Argsz+7)/8)
		buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), info.Argsz)
		binary.LittleEndian.PutUint32(buf, info.Argsz)
		if _, err := ioctlPtr(c.fd(), vfioIOMMUGetInfo, unsafe.Pointer(&words[0])); err != nil {
			return fmt.Errorf("failed to query IOMMU capabilities: %w", err)
		}
		capOffset := binary.LittleEndian.Uint32(buf[16:])
		parsed, err := parseIOVARanges(buf, capOffset)
		if err != nil {
			return fmt.Errorf("failed to parse IOMMU capabilities: %w", err)
		}
		ranges = parsed
	}
	c.ranges = usableRanges(ranges, c.pageSize)
	return nil
}

// usableRanges clips the kernel-reported ranges so that the first page is
// never handed out. Without kernel ranges it assumes the whole space below
// defaultIOVALimit minus the x86 MSI window.
func usableRanges(ranges []iova.Range, pageSize uint64) []iova.Range {
	if len(ranges) == 0 {
		ranges = []iova.Range{
			{Start: 0, End: msiWindowStart - 1},
			{Start: msiWindowEnd + 1, End: defaultIOVALimit},
		}
	}
	var usable []iova.Range
	for _, r := range ranges {
		if r.End < r.Start || r.End < pageSize {
			continue
		}
		if r.Start < pageSize {
			r.Start = pageSize
		}
		usable = append(usable, r)
	}
	return usable
}

// MapDMA registers [vaddr, vaddr+size) at iova.
func (c *Container) MapDMA(vaddr uintptr, iova, size uint64, perm dma.Permission) error {
	m := iommuType1DMAMap{
		Argsz: uint32(unsafe.Sizeof(iommuType1DMAMap{})),
		Flags: uint32(perm) & (vfioDMAMapFlagRead | vfioDMAMapFlagWrite),
		Vaddr: uint64(vaddr),
		IOVA:  iova,
		Size:  size,
	}
	if _, err := ioctlPtr(c.fd(), vfioIOMMUMapDMA, unsafe.Pointer(&m)); err != nil {
		return fmt.Errorf("VFIO_IOMMU_MAP_DMA of %#x bytes at IOVA %#x: %w", size, iova, err)
	}
	return nil
}

// UnmapDMA removes the mapping at iova.
func (c *Container) UnmapDMA(iova, size uint64) error {
	m := iommuType1DMAUnmap{
		Argsz: uint32(unsafe.Sizeof(iommuType1DMAUnmap{})),
		IOVA:  iova,
		Size:  size,
	}
	if _, err := ioctlPtr(c.fd(), vfioIOMMUUnmapDMA, unsafe.Pointer(&m)); err != nil {
		return fmt.Errorf("VFIO_IOMMU_UNMAP_DMA of %#x bytes at IOVA %#x: %w", size, iova, err)
	}
	if m.Size != size {
		return fmt.Errorf("VFIO_IOMMU_UNMAP_DMA at IOVA %#x unmapped %#x of %#x bytes", iova, m.Size, size)
	}
	return nil
}

func (c *Container) Close() error {
	return c.file.Close()
}
