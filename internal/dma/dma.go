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

package dma

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// ErrDMAMap is matched by every MapError.
var ErrDMAMap = errors.New("DMA mapping failed")

// MapError reports a failed Allocate with the size that was requested.
type MapError struct {
	Size uint64
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("failed to allocate %#x byte DMA mapping: %v", e.Size, e.Err)
}

func (e *MapError) Unwrap() []error {
	return []error{ErrDMAMap, e.Err}
}

// Permission is the device access requested for a mapping. The values match
// the VFIO_DMA_MAP_FLAG_* bits.
type Permission uint32

const (
	Read      Permission = 1 << 0
	Write     Permission = 1 << 1
	ReadWrite            = Read | Write
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("permission(%d)", uint32(p))
}

// IOMMU registers host memory with the kernel IOMMU of a container.
type IOMMU interface {
	MapDMA(vaddr uintptr, iova, size uint64, perm Permission) error
	UnmapDMA(iova, size uint64) error
	// PageSize is the smallest IOMMU page size; mapping sizes are rounded
	// up to it.
	PageSize() uint64
}

// IOVAAllocator hands out device-visible address ranges.
type IOVAAllocator interface {
	AllocateIOVA(size, align uint64, capability pci.DMACapability) (iova.Range, error)
	FreeIOVA(r iova.Range) error
}

// Target is the container a mapping is created in.
type Target interface {
	// IOMMU returns nil when the container runs without an IOMMU, in which
	// case mappings use physically contiguous memory and IOVA equals the
	// physical address.
	IOMMU() IOMMU
	IOVAAllocator() IOVAAllocator
	DMACapability() pci.DMACapability
	MappingCreated(m *Mapping)
	MappingFreed(m *Mapping)
}

// LocalIOVA adapts an in-process allocator to IOVAAllocator.
func LocalIOVA(a *iova.Allocator) IOVAAllocator {
	return localIOVA{a}
}

type localIOVA struct {
	*iova.Allocator
}

func (l localIOVA) AllocateIOVA(size, align uint64, capability pci.DMACapability) (iova.Range, error) {
	return l.Allocate(size, align, capability)
}

func (l localIOVA) FreeIOVA(r iova.Range) error {
	return l.Free(r)
}
