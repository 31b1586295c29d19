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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func vaddrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func writePagemap(t *testing.T, index uint64, entry uint64) string {
	path := filepath.Join(t.TempDir(), "pagemap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var buf [pagemapEntryBytes]byte
	binary.LittleEndian.PutUint64(buf[:], entry)
	_, err = f.WriteAt(buf[:], int64(index*pagemapEntryBytes))
	require.NoError(t, err)
	return path
}

func TestPhysicalAddress(t *testing.T) {
	page := uint64(os.Getpagesize())
	vaddr := uintptr(5*page + 0x10)

	testCases := []struct {
		description string
		entry       uint64
		expected    uint64
		expectError bool
	}{
		{
			description: "present page",
			entry:       pagemapPresent | 0x1234,
			expected:    0x1234*page + 0x10,
		},
		{
			description: "page not present",
			entry:       0x1234,
			expectError: true,
		},
		{
			description: "frame hidden",
			entry:       pagemapPresent,
			expectError: true,
		},
		{
			description: "flag bits ignored",
			entry:       pagemapPresent | 1<<62 | 1<<55 | 0x42,
			expected:    0x42*page + 0x10,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			path := writePagemap(t, 5, tc.entry)
			phys, err := physicalAddress(path, vaddr)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, phys)
		})
	}
}

func TestPhysicalAddressShortPagemap(t *testing.T) {
	path := writePagemap(t, 0, pagemapPresent|1)
	_, err := physicalAddress(path, uintptr(100*os.Getpagesize()))
	require.Error(t, err)
}
