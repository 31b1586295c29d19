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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

type fakeIOMMU struct {
	pageSize  uint64
	maps      map[uint64]fakeMap
	failMap   error
	failUnmap error
}

type fakeMap struct {
	vaddr uintptr
	size  uint64
	perm  Permission
}

func newFakeIOMMU() *fakeIOMMU {
	return &fakeIOMMU{pageSize: 4096, maps: make(map[uint64]fakeMap)}
}

func (f *fakeIOMMU) MapDMA(vaddr uintptr, iova, size uint64, perm Permission) error {
	if f.failMap != nil {
		return f.failMap
	}
	if _, exists := f.maps[iova]; exists {
		return fmt.Errorf("IOVA %#x already mapped", iova)
	}
	f.maps[iova] = fakeMap{vaddr: vaddr, size: size, perm: perm}
	return nil
}

func (f *fakeIOMMU) UnmapDMA(iova, size uint64) error {
	if f.failUnmap != nil {
		return f.failUnmap
	}
	m, exists := f.maps[iova]
	if !exists || m.size != size {
		return fmt.Errorf("IOVA %#x+%#x not mapped", iova, size)
	}
	delete(f.maps, iova)
	return nil
}

func (f *fakeIOMMU) PageSize() uint64 {
	return f.pageSize
}

type fakeTarget struct {
	iommu      *fakeIOMMU
	alloc      *iova.Allocator
	capability pci.DMACapability
	live       map[*Mapping]int
}

func newFakeTarget(t *testing.T, capability pci.DMACapability, seeds ...iova.Range) *fakeTarget {
	if len(seeds) == 0 {
		seeds = []iova.Range{{Start: 0x1000, End: 0xffff_ffff}}
	}
	alloc, err := iova.New(seeds...)
	require.NoError(t, err)
	return &fakeTarget{
		iommu:      newFakeIOMMU(),
		alloc:      alloc,
		capability: capability,
		live:       make(map[*Mapping]int),
	}
}

func (f *fakeTarget) IOMMU() IOMMU {
	if f.iommu == nil {
		return nil
	}
	return f.iommu
}

func (f *fakeTarget) IOVAAllocator() IOVAAllocator {
	return LocalIOVA(f.alloc)
}

func (f *fakeTarget) DMACapability() pci.DMACapability {
	return f.capability
}

func (f *fakeTarget) MappingCreated(m *Mapping) {
	f.live[m]++
}

func (f *fakeTarget) MappingFreed(m *Mapping) {
	f.live[m]--
	if f.live[m] == 0 {
		delete(f.live, m)
	}
}

func TestAllocateRoundsToPageSize(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 100, ReadWrite, Heap)
	require.NoError(t, err)
	require.EqualValues(t, 4096, m.Size())
	require.Len(t, m.Bytes(), 4096)
	require.Len(t, target.live, 1)

	mapped, ok := target.iommu.maps[m.IOVA]
	require.True(t, ok)
	require.Equal(t, fakeMap{vaddr: m.Buffer.Vaddr(), size: 4096, perm: ReadWrite}, mapped)

	m.Bytes()[4095] = 0xa5

	require.NoError(t, m.Free())
	require.Empty(t, target.iommu.maps)
	require.Empty(t, target.live)
	require.Equal(t, []iova.Region{{Start: 0x1000, End: 0xffff_ffff}}, target.alloc.Regions())
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	target := newFakeTarget(t, pci.DMA32)
	before := target.alloc.Regions()
	freeBefore := target.alloc.FreeBytes()

	for i := 0; i < 1000; i++ {
		m, err := Allocate(target, uint64(1+i%3)*4096, ReadWrite, Heap)
		require.NoError(t, err)
		require.NoError(t, m.Free())
	}

	require.Empty(t, cmp.Diff(before, target.alloc.Regions()))
	require.Equal(t, freeBefore, target.alloc.FreeBytes())
	require.Empty(t, target.iommu.maps)
}

func TestAllocateFailures(t *testing.T) {
	testCases := []struct {
		description string
		seeds       []iova.Range
		capability  pci.DMACapability
		size        uint64
		failMap     error
		expectedErr error
	}{
		{
			description: "no IOVA space",
			seeds:       []iova.Range{{Start: 0x1000, End: 0x1fff}},
			capability:  pci.DMA64,
			size:        0x2000,
			expectedErr: iova.ErrNoIOVASpace,
		},
		{
			description: "a32 device with only high space",
			seeds:       []iova.Range{{Start: 0x1_0000_0000, End: 0x1_ffff_ffff}},
			capability:  pci.DMA32,
			size:        0x1000,
			expectedErr: iova.ErrNoIOVASpace,
		},
		{
			description: "kernel rejects mapping",
			capability:  pci.DMA64,
			size:        0x1000,
			failMap:     os.ErrPermission,
			expectedErr: os.ErrPermission,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			target := newFakeTarget(t, tc.capability, tc.seeds...)
			target.iommu.failMap = tc.failMap
			before := target.alloc.Regions()

			m, err := Allocate(target, tc.size, ReadWrite, Heap)
			require.Nil(t, m)
			require.ErrorIs(t, err, ErrDMAMap)
			require.ErrorIs(t, err, tc.expectedErr)

			var mapErr *MapError
			require.True(t, errors.As(err, &mapErr))
			require.Equal(t, tc.size, mapErr.Size)

			require.Equal(t, before, target.alloc.Regions())
			require.Empty(t, target.iommu.maps)
			require.Empty(t, target.live)
		})
	}
}

func TestAllocateZeroSize(t *testing.T) {
	_, err := Allocate(newFakeTarget(t, pci.DMA64), 0, Read, Heap)
	require.ErrorIs(t, err, ErrDMAMap)
}

func TestAllocateWithoutIOMMURequiresContiguousFit(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)
	target.iommu = nil

	_, err := Allocate(target, 2*HugePageSize, ReadWrite, Heap)
	require.ErrorIs(t, err, ErrDMAMap)
	require.Empty(t, target.live)
}

func TestFreeIsIdempotent(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 4096, Write, Heap)
	require.NoError(t, err)

	require.NoError(t, m.Free())
	require.NoError(t, m.Free())
	require.Empty(t, target.live)
	require.Nil(t, m.Bytes())

	var nilMapping *Mapping
	require.NoError(t, nilMapping.Free())
}

func TestFreeContinuesAfterUnmapFailure(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 4096, ReadWrite, Heap)
	require.NoError(t, err)

	target.iommu.failUnmap = errors.New("device busy")
	err = m.Free()
	require.ErrorContains(t, err, "device busy")

	// the IOVA range and the buffer are released regardless
	require.Equal(t, []iova.Region{{Start: 0x1000, End: 0xffff_ffff}}, target.alloc.Regions())
	require.Nil(t, m.Bytes())
	require.Empty(t, target.live)
}

func TestSubspace(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 4096, ReadWrite, Heap)
	require.NoError(t, err)
	defer m.Free()

	first, firstIOVA, err := m.AllocateSubspace(3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.Equal(t, m.IOVA, firstIOVA)

	m.AlignSubspace()
	second, secondIOVA, err := m.AllocateSubspace(64)
	require.NoError(t, err)
	require.Zero(t, secondIOVA%SubspaceAlignment)
	require.Zero(t, uint64(vaddrOf(second))%SubspaceAlignment)
	require.Equal(t, firstIOVA+SubspaceAlignment, secondIOVA)

	// chunks share the mapping's memory
	second[0] = 0x5a
	require.Equal(t, byte(0x5a), m.Bytes()[SubspaceAlignment])

	require.EqualValues(t, 4096-128, m.Remaining())
	_, _, err = m.AllocateSubspace(4096)
	require.Error(t, err)

	_, _, err = m.AllocateSubspace(m.Remaining())
	require.NoError(t, err)
	m.AlignSubspace()
	require.Zero(t, m.Remaining())
}

func TestSubspaceAfterFree(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 4096, ReadWrite, Heap)
	require.NoError(t, err)
	require.NoError(t, m.Free())

	_, _, err = m.AllocateSubspace(64)
	require.Error(t, err)
}

func TestSharedMemoryBacking(t *testing.T) {
	saved := shmDir
	shmDir = t.TempDir()
	defer func() { shmDir = saved }()

	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 8192, ReadWrite, SharedMemory)
	require.NoError(t, err)
	require.Equal(t, SharedMemory, m.Buffer.Kind)
	path := m.Buffer.Path
	require.FileExists(t, path)

	copy(m.Bytes()[4096:], "shared")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, content, 8192)
	require.Equal(t, "shared", string(content[4096:4102]))

	require.NoError(t, m.Free())
	require.NoFileExists(t, path)
}

func TestHugePageBacking(t *testing.T) {
	target := newFakeTarget(t, pci.DMA64)

	m, err := Allocate(target, 4096, ReadWrite, HugePage)
	if err != nil {
		t.Skipf("huge pages unavailable: %v", err)
	}
	defer m.Free()
	require.EqualValues(t, HugePageSize, m.Size())
}

func TestParseBacking(t *testing.T) {
	for b := Heap; b <= Contiguous; b++ {
		parsed, err := ParseBacking(b.String())
		require.NoError(t, err)
		require.Equal(t, b, parsed)
	}
	_, err := ParseBacking("stack")
	require.Error(t, err)
}
