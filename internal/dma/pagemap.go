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
	"fmt"
	"os"
)

const (
	pagemapPath       = "/proc/self/pagemap"
	pagemapPresent    = 1 << 63
	pagemapPFNMask    = (1 << 55) - 1
	pagemapEntryBytes = 8
)

// physicalAddress translates a virtual address of the calling process with
// the pagemap interface. The kernel reports a zero PFN to processes without
// CAP_SYS_ADMIN.
func physicalAddress(pagemap string, vaddr uintptr) (uint64, error) {
	f, err := os.Open(pagemap)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", pagemap, err)
	}
	defer f.Close()

	page := uint64(os.Getpagesize())
	var entry [pagemapEntryBytes]byte
	if _, err := f.ReadAt(entry[:], int64(uint64(vaddr)/page*pagemapEntryBytes)); err != nil {
		return 0, fmt.Errorf("failed to read pagemap entry for %#x: %w", vaddr, err)
	}

	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x is not present", vaddr)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("pagemap hides the frame of %#x (CAP_SYS_ADMIN required)", vaddr)
	}
	return pfn*page + uint64(vaddr)%page, nil
}
