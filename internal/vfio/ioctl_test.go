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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vfio-harness/internal/iova"
)

func TestStructLayouts(t *testing.T) {
	testCases := []struct {
		description string
		size        uintptr
		expected    uintptr
	}{
		{"group status", unsafe.Sizeof(groupStatus{}), 8},
		{"device info", unsafe.Sizeof(deviceInfo{}), 16},
		{"region info", unsafe.Sizeof(regionInfo{}), 32},
		{"iommu type1 info", unsafe.Sizeof(iommuType1Info{}), 24},
		{"dma map", unsafe.Sizeof(iommuType1DMAMap{}), 32},
		{"dma unmap", unsafe.Sizeof(iommuType1DMAUnmap{}), 24},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.size)
		})
	}
}

// capChain builds an IOMMU info reply with the given capabilities laid out
// back to back after the 24 byte header.
type capChain struct {
	buf []byte
}

func newCapChain() *capChain {
	return &capChain{buf: make([]byte, 24)}
}

func (c *capChain) add(id uint16, body []byte) uint32 {
	off := uint32(len(c.buf))
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint16(hdr, id)
	binary.LittleEndian.PutUint16(hdr[2:], 1)
	c.buf = append(c.buf, hdr...)
	c.buf = append(c.buf, body...)
	return off
}

func (c *capChain) link(from, to uint32) {
	binary.LittleEndian.PutUint32(c.buf[from+4:], to)
}

func iovaRangeBody(ranges ...iova.Range) []byte {
	body := make([]byte, 8+16*len(ranges))
	binary.LittleEndian.PutUint32(body, uint32(len(ranges)))
	for i, r := range ranges {
		binary.LittleEndian.PutUint64(body[8+16*i:], r.Start)
		binary.LittleEndian.PutUint64(body[16+16*i:], r.End)
	}
	return body
}

func TestParseIOVARanges(t *testing.T) {
	expected := []iova.Range{
		{Start: 0, End: 0xfedfffff},
		{Start: 0xfef00000, End: 0xffff_ffff_ffff},
	}

	t.Run("single capability", func(t *testing.T) {
		c := newCapChain()
		off := c.add(vfioIOMMUCapIOVARange, iovaRangeBody(expected...))

		ranges, err := parseIOVARanges(c.buf, off)
		require.NoError(t, err)
		require.Equal(t, expected, ranges)
	})

	t.Run("after another capability", func(t *testing.T) {
		c := newCapChain()
		first := c.add(2, make([]byte, 8))
		second := c.add(vfioIOMMUCapIOVARange, iovaRangeBody(expected...))
		c.link(first, second)

		ranges, err := parseIOVARanges(c.buf, first)
		require.NoError(t, err)
		require.Equal(t, expected, ranges)
	})

	t.Run("no capability", func(t *testing.T) {
		ranges, err := parseIOVARanges(newCapChain().buf, 0)
		require.NoError(t, err)
		require.Empty(t, ranges)
	})

	t.Run("loop", func(t *testing.T) {
		c := newCapChain()
		off := c.add(2, nil)
		c.link(off, off)

		_, err := parseIOVARanges(c.buf, off)
		require.Error(t, err)
	})

	t.Run("ranges beyond reply", func(t *testing.T) {
		c := newCapChain()
		body := iovaRangeBody(expected...)
		binary.LittleEndian.PutUint32(body, 100)
		off := c.add(vfioIOMMUCapIOVARange, body)

		_, err := parseIOVARanges(c.buf, off)
		require.Error(t, err)
	})

	t.Run("header beyond reply", func(t *testing.T) {
		_, err := parseIOVARanges(make([]byte, 24), 20)
		require.Error(t, err)
	})
}

func TestSmallestPageSize(t *testing.T) {
	require.Equal(t, uint64(0x1000), smallestPageSize(0x40201000))
	require.Equal(t, uint64(0x10000), smallestPageSize(0xffff0000))
	require.Zero(t, smallestPageSize(0))
}

func TestUsableRanges(t *testing.T) {
	testCases := []struct {
		description string
		ranges      []iova.Range
		expected    []iova.Range
	}{
		{
			description: "first page excluded",
			ranges:      []iova.Range{{Start: 0, End: 0xffff_ffff}},
			expected:    []iova.Range{{Start: 0x1000, End: 0xffff_ffff}},
		},
		{
			description: "range inside first page dropped",
			ranges:      []iova.Range{{Start: 0, End: 0xfff}, {Start: 0x10000, End: 0x1ffff}},
			expected:    []iova.Range{{Start: 0x10000, End: 0x1ffff}},
		},
		{
			description: "defaults skip the MSI window",
			expected: []iova.Range{
				{Start: 0x1000, End: msiWindowStart - 1},
				{Start: msiWindowEnd + 1, End: defaultIOVALimit},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			require.Equal(t, tc.expected, usableRanges(tc.ranges, 0x1000))
		})
	}
}

func TestIOMMUTypeName(t *testing.T) {
	require.Equal(t, "type1v2", IOMMUTypeName(Type1v2IOMMU))
	require.Equal(t, "noiommu", IOMMUTypeName(NoIOMMU))
	require.Equal(t, "type9", IOMMUTypeName(9))
}
