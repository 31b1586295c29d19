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

// Package iova tracks the I/O virtual address space of one IOMMU container.
package iova

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// Limit32 is the first address a 32-bit DMA master cannot reach.
const Limit32 uint64 = 1 << 32

var (
	// ErrNoIOVASpace is returned when no free region of the requested size
	// exists in the address window allowed for the device.
	ErrNoIOVASpace = errors.New("no IOVA space")
	// ErrUnknownRange is returned when freeing a range that was not granted.
	ErrUnknownRange = errors.New("range was not allocated")
)

// Range is an inclusive address range.
type Range struct {
	Start uint64
	End   uint64
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x]", r.Start, r.End)
}

// Region is one entry of the free-list.
type Region struct {
	Start     uint64
	End       uint64
	Allocated bool
}

func (r Region) rng() Range {
	return Range{Start: r.Start, End: r.End}
}

// Allocator hands out disjoint IOVA ranges from the valid ranges reported by
// the kernel. Regions are kept ordered by start address; adjacent free
// regions are always coalesced.
type Allocator struct {
	mu      sync.Mutex
	regions *btree.BTreeG[Region]
	seeds   []Range
}

func regionLess(a, b Region) bool {
	return a.Start < b.Start
}

// New creates an allocator covering the given ranges. Overlapping or
// touching ranges are merged.
func New(ranges ...Range) (*Allocator, error) {
	seeds := append([]Range(nil), ranges...)
	for _, r := range seeds {
		if r.End < r.Start {
			return nil, fmt.Errorf("invalid IOVA range %s", r)
		}
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Start < seeds[j].Start })

	var merged []Range
	for _, r := range seeds {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.End == math.MaxUint64 || r.Start <= last.End+1 {
				last.End = max(last.End, r.End)
				continue
			}
		}
		merged = append(merged, r)
	}

	a := &Allocator{
		regions: btree.NewG[Region](8, regionLess),
		seeds:   merged,
	}
	for _, r := range merged {
		a.regions.ReplaceOrInsert(Region{Start: r.Start, End: r.End})
	}
	return a, nil
}

// Allocate grants a range of size bytes whose start is a multiple of align.
// The search is first-fit in address order. A DMA32 device only ever
// receives a range ending below Limit32; when that window is exhausted the
// allocation fails rather than handing out an address the device cannot
// generate.
func (a *Allocator) Allocate(size, align uint64, capability pci.DMACapability) (Range, error) {
	if size == 0 {
		return Range{}, fmt.Errorf("invalid IOVA allocation size 0")
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Range{}, fmt.Errorf("IOVA alignment %#x is not a power of two", align)
	}

	limit := uint64(math.MaxUint64)
	if capability == pci.DMA32 {
		limit = Limit32 - 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found   bool
		matched Region
		granted Range
	)
	a.regions.Ascend(func(r Region) bool {
		if r.Start > limit {
			return false
		}
		if r.Allocated {
			return true
		}
		start, ok := alignUp(r.Start, align)
		if !ok || start > r.End {
			return true
		}
		if r.End-start < size-1 {
			return true
		}
		end := start + size - 1
		if end > limit {
			return false
		}
		found = true
		matched = r
		granted = Range{Start: start, End: end}
		return false
	})
	if !found {
		return Range{}, fmt.Errorf("%w: %#x bytes for a %s device", ErrNoIOVASpace, size, capability)
	}

	a.regions.Delete(matched)
	if granted.Start > matched.Start {
		a.regions.ReplaceOrInsert(Region{Start: matched.Start, End: granted.Start - 1})
	}
	a.regions.ReplaceOrInsert(Region{Start: granted.Start, End: granted.End, Allocated: true})
	if granted.End < matched.End {
		a.regions.ReplaceOrInsert(Region{Start: granted.End + 1, End: matched.End})
	}
	return granted, nil
}

// Free returns a previously granted range. The range must match the grant
// exactly.
func (a *Allocator) Free(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	region, ok := a.regions.Get(Region{Start: r.Start})
	if !ok || !region.Allocated || region.End != r.End {
		return fmt.Errorf("failed to free IOVA %s: %w", r, ErrUnknownRange)
	}

	a.regions.Delete(region)
	merged := Region{Start: region.Start, End: region.End}

	if merged.Start > 0 {
		var prev Region
		var hasPrev bool
		a.regions.DescendLessOrEqual(Region{Start: merged.Start - 1}, func(p Region) bool {
			prev, hasPrev = p, true
			return false
		})
		if hasPrev && !prev.Allocated && prev.End+1 == merged.Start {
			a.regions.Delete(prev)
			merged.Start = prev.Start
		}
	}
	if merged.End < math.MaxUint64 {
		next, ok := a.regions.Get(Region{Start: merged.End + 1})
		if ok && !next.Allocated {
			a.regions.Delete(next)
			merged.End = next.End
		}
	}

	a.regions.ReplaceOrInsert(merged)
	return nil
}

// Regions returns a snapshot of the free-list in address order.
func (a *Allocator) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	regions := make([]Region, 0, a.regions.Len())
	a.regions.Ascend(func(r Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// Allocated returns the granted ranges in address order.
func (a *Allocator) Allocated() []Range {
	var allocated []Range
	for _, r := range a.Regions() {
		if r.Allocated {
			allocated = append(allocated, r.rng())
		}
	}
	return allocated
}

// FreeBytes returns the total size of all free regions.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	for _, r := range a.Regions() {
		if !r.Allocated {
			total += r.End - r.Start + 1
		}
	}
	return total
}

// Seeds returns the valid ranges the allocator was created with.
func (a *Allocator) Seeds() []Range {
	return append([]Range(nil), a.seeds...)
}

func alignUp(v, align uint64) (uint64, bool) {
	aligned := (v + align - 1) &^ (align - 1)
	return aligned, aligned >= v
}
