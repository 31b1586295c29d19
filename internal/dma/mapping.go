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
	"os"

	"go.uber.org/multierr"

	"github.com/NVIDIA/vfio-harness/internal/iova"
)

// SubspaceAlignment is the boundary AlignSubspace advances to.
const SubspaceAlignment = 64

// Mapping is a host buffer registered for device DMA at IOVA.
type Mapping struct {
	Buffer *Buffer
	IOVA   uint64
	Perm   Permission

	target Target
	iommu  IOMMU
	iova   iova.Range
	owned  bool
	mapped bool
	cursor uint64
	freed  bool
}

// Allocate creates a mapping of at least size bytes. The size is rounded up
// to the IOMMU page size. Without an IOMMU the Contiguous backing is used
// regardless of backing and the IOVA is the physical address. On failure
// nothing stays registered and the error is a *MapError.
func Allocate(target Target, size uint64, perm Permission, backing Backing) (*Mapping, error) {
	if size == 0 {
		return nil, &MapError{Size: size, Err: errors.New("zero-sized mapping")}
	}

	m := &Mapping{target: target, iommu: target.IOMMU(), Perm: perm}
	if m.iommu == nil {
		backing = Contiguous
	}

	page := uint64(os.Getpagesize())
	if m.iommu != nil && m.iommu.PageSize() != 0 {
		page = m.iommu.PageSize()
	}
	rounded := roundUp(size, page)

	buf, err := newBuffer(backing, rounded)
	if err != nil {
		return nil, &MapError{Size: size, Err: err}
	}
	m.Buffer = buf

	if m.iommu == nil {
		m.IOVA = buf.Physical
		target.MappingCreated(m)
		return m, nil
	}

	r, err := target.IOVAAllocator().AllocateIOVA(buf.Size(), page, target.DMACapability())
	if err != nil {
		_ = m.release()
		return nil, &MapError{Size: size, Err: err}
	}
	m.iova = r
	m.owned = true
	m.IOVA = r.Start

	if err := m.iommu.MapDMA(buf.Vaddr(), r.Start, buf.Size(), perm); err != nil {
		_ = m.release()
		return nil, &MapError{Size: size, Err: fmt.Errorf("failed to map IOVA %s: %w", r, err)}
	}
	m.mapped = true

	target.MappingCreated(m)
	return m, nil
}

// Bytes is the host view of the whole mapping.
func (m *Mapping) Bytes() []byte {
	if m.Buffer == nil {
		return nil
	}
	return m.Buffer.Bytes()
}

// Size is the mapped size after rounding.
func (m *Mapping) Size() uint64 {
	if m.Buffer == nil {
		return 0
	}
	return m.Buffer.Size()
}

// AllocateSubspace carves the next size bytes out of the mapping and returns
// their host view and IOVA. No kernel call is made.
func (m *Mapping) AllocateSubspace(size uint64) ([]byte, uint64, error) {
	if m.freed {
		return nil, 0, errors.New("mapping has been freed")
	}
	if size == 0 || size > m.Size()-m.cursor {
		return nil, 0, fmt.Errorf("subspace of %#x bytes does not fit: %#x of %#x bytes used", size, m.cursor, m.Size())
	}
	start := m.cursor
	m.cursor += size
	return m.Buffer.mem[start:m.cursor:m.cursor], m.IOVA + start, nil
}

// AlignSubspace advances the subspace cursor to the next SubspaceAlignment
// boundary.
func (m *Mapping) AlignSubspace() {
	m.cursor = roundUp(m.cursor, SubspaceAlignment)
	if m.cursor > m.Size() {
		m.cursor = m.Size()
	}
}

// Remaining is the number of bytes AllocateSubspace can still hand out.
func (m *Mapping) Remaining() uint64 {
	return m.Size() - m.cursor
}

// Free unregisters the mapping, returns its IOVA range and releases the host
// memory. Every step is attempted even if an earlier one fails. Calling Free
// again is a no-op.
func (m *Mapping) Free() error {
	if m == nil || m.freed {
		return nil
	}
	m.freed = true
	err := m.release()
	m.target.MappingFreed(m)
	return err
}

func (m *Mapping) release() error {
	var err error
	if m.mapped {
		if unmapErr := m.iommu.UnmapDMA(m.iova.Start, m.iova.Size()); unmapErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to unmap IOVA %s: %w", m.iova, unmapErr))
		}
		m.mapped = false
	}
	if m.owned {
		if freeErr := m.target.IOVAAllocator().FreeIOVA(m.iova); freeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to free IOVA %s: %w", m.iova, freeErr))
		}
		m.owned = false
	}
	if m.Buffer != nil {
		if relErr := m.Buffer.release(); relErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to release %s buffer: %w", m.Buffer.Kind, relErr))
		}
	}
	return err
}
