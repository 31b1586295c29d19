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
	"github.com/NVIDIA/vfio-harness/internal/dma"
	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/manager"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// IOMMU returns the container, or nil in NOIOMMU mode.
func (d *Devices) IOMMU() dma.IOMMU {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil || d.container.NoIOMMU() {
		return nil
	}
	return d.container
}

// IOVAAllocator returns the manager-backed allocator in client processes and
// the local one otherwise.
func (d *Devices) IOVAAllocator() dma.IOVAAllocator {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return remoteIOVA{client: d.client, token: d.token}
	}
	if d.alloc == nil {
		return noIOVA{}
	}
	return dma.LocalIOVA(d.alloc)
}

// DMACapability is the most restrictive capability of the open DMA-capable
// devices, so that a mapping is usable by all of them.
func (d *Devices) DMACapability() pci.DMACapability {
	d.mu.Lock()
	defer d.mu.Unlock()
	capability := pci.DMA64
	for _, dev := range d.devices {
		if dev.Filter.DMACapability == pci.DMA32 {
			capability = pci.DMA32
		}
	}
	return capability
}

func (d *Devices) MappingCreated(m *dma.Mapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mappings[m] = struct{}{}
	if m.Buffer.Kind == dma.Contiguous {
		d.contiguous++
	}
}

func (d *Devices) MappingFreed(m *dma.Mapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mappings[m]; !ok {
		return
	}
	delete(d.mappings, m)
	if m.Buffer.Kind == dma.Contiguous {
		d.contiguous--
	}
}

// Mappings returns the number of outstanding DMA mappings.
func (d *Devices) Mappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// ContiguousAllocations returns the number of outstanding NOIOMMU
// allocations.
func (d *Devices) ContiguousAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contiguous
}

// AllocateDMA creates a mapping usable by every open device.
func (d *Devices) AllocateDMA(size uint64, perm dma.Permission, backing dma.Backing) (*dma.Mapping, error) {
	return dma.Allocate(d, size, perm, backing)
}

// Target returns a dma.Target that allocates with the capability of dev
// alone.
func (d *Devices) Target(dev *Device) dma.Target {
	return deviceTarget{Devices: d, capability: dev.Filter.DMACapability}
}

type deviceTarget struct {
	*Devices
	capability pci.DMACapability
}

func (t deviceTarget) DMACapability() pci.DMACapability {
	return t.capability
}

type remoteIOVA struct {
	client *manager.Client
	token  uint64
}

func (r remoteIOVA) AllocateIOVA(size, align uint64, capability pci.DMACapability) (iova.Range, error) {
	return r.client.AllocateIOVA(r.token, size, align, capability)
}

func (r remoteIOVA) FreeIOVA(rng iova.Range) error {
	return r.client.FreeIOVA(r.token, rng)
}

type noIOVA struct{}

func (noIOVA) AllocateIOVA(uint64, uint64, pci.DMACapability) (iova.Range, error) {
	return iova.Range{}, iova.ErrNoIOVASpace
}

func (noIOVA) FreeIOVA(iova.Range) error {
	return iova.ErrUnknownRange
}
