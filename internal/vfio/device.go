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

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/vfio-harness/internal/mmio"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

const (
	pciCommandRegister = 0x04
	pciCommandMaster   = 1 << 2
)

// BAR describes one base address region of a device.
type BAR struct {
	Index  int
	Size   uint64
	Offset uint64
	Flags  uint32
}

// Mappable reports whether the region exists and may be mmapped.
func (b BAR) Mappable() bool {
	return b.Size > 0 && b.Flags&vfioRegionInfoFlagMmap != 0
}

// RegisterBlock locates a register block inside a BAR.
type RegisterBlock struct {
	BAR    int
	Offset uint64
	Size   uint64
}

// ProbeResult is what a ProbeFunc learned about a device after it was
// opened.
type ProbeResult struct {
	Name     string
	Identity pci.Identity
	Blocks   map[string]RegisterBlock
}

// ProbeFunc identifies a freshly opened device, typically by reading a few
// registers. Returning an error closes the device.
type ProbeFunc func(*Device) (*ProbeResult, error)

// Device is one PCI function opened through VFIO.
type Device struct {
	Address  pci.Address
	Identity pci.Identity
	// Filter is the filter the device was selected by.
	Filter pci.Filter
	// Group is the IOMMU group number, empty if unknown.
	Group string
	Probe *ProbeResult

	log        *logrus.Logger
	file       *os.File
	group      *Group
	info       deviceInfo
	bars       [numBARs]BAR
	config     regionInfo
	mmaps      [numBARs][]byte
	sharedOnly bool
}

func newDevice(log *logrus.Logger, fn *pci.Function, filter pci.Filter, file *os.File) *Device {
	return &Device{
		Address:  fn.Address,
		Identity: fn.Identity,
		Filter:   filter,
		Group:    fn.IOMMUGroup,
		log:      log,
		file:     file,
	}
}

// File returns the device descriptor.
func (d *Device) File() *os.File {
	return d.file
}

func (d *Device) fd() int {
	return int(d.file.Fd())
}

// NumRegions and NumIRQs report the device info returned by the kernel.
func (d *Device) NumRegions() int { return int(d.info.NumRegions) }
func (d *Device) NumIRQs() int    { return int(d.info.NumIRQs) }

// BAR returns the descriptor of BAR index.
func (d *Device) BAR(index int) (BAR, bool) {
	if index < 0 || index >= numBARs {
		return BAR{}, false
	}
	return d.bars[index], d.bars[index].Size > 0
}

func (d *Device) regionInfo(index uint32) (regionInfo, error) {
	info := regionInfo{Argsz: uint32(unsafe.Sizeof(regionInfo{})), Index: index}
	if _, err := ioctlPtr(d.fd(), vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return regionInfo{}, err
	}
	return info, nil
}

// queryInfo reads the device info and the BAR and config region
// descriptors.
func (d *Device) queryInfo() error {
	d.info = deviceInfo{Argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if _, err := ioctlPtr(d.fd(), vfioDeviceGetInfo, unsafe.Pointer(&d.info)); err != nil {
		return fmt.Errorf("failed to get device info: %w", err)
	}

	for i := 0; i < numBARs && uint32(i) < d.info.NumRegions; i++ {
		info, err := d.regionInfo(uint32(i))
		if err != nil {
			d.log.Debugf("%s: no region info for BAR%d: %v", d.Address, i, err)
			continue
		}
		d.bars[i] = BAR{Index: i, Size: info.Size, Offset: info.Offset, Flags: info.Flags}
	}

	config, err := d.regionInfo(vfioPCIConfigRegionIndex)
	if err != nil {
		return fmt.Errorf("failed to get config region info: %w", err)
	}
	d.config = config
	return nil
}

// MapBAR maps BAR index and returns a window over it. Repeated calls return
// the same mapping. A nil window with a nil error means the BAR is absent or
// not mappable.
func (d *Device) MapBAR(index int) (*mmio.Window, error) {
	bar, ok := d.BAR(index)
	if !ok || !bar.Mappable() {
		return nil, nil
	}
	if d.mmaps[index] != nil {
		return mmio.NewWindow(d.mmaps[index]), nil
	}
	mem, err := unix.Mmap(d.fd(), int64(bar.Offset), int(bar.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map BAR%d of %s: %w", index, d.Address, err)
	}
	d.mmaps[index] = mem
	return mmio.NewWindow(mem), nil
}

// MapRegistersBlock returns a window of size bytes at offset inside BAR
// index, or nil if the BAR is unavailable or too small.
func (d *Device) MapRegistersBlock(index int, offset, size uint64) *mmio.Window {
	w, err := d.MapBAR(index)
	if err != nil {
		d.log.Warnf("%v", err)
		return nil
	}
	return w.Sub(offset, size)
}

// RegisterBlock maps a block named by the probe result.
func (d *Device) RegisterBlock(name string) *mmio.Window {
	if d.Probe == nil {
		return nil
	}
	block, ok := d.Probe.Blocks[name]
	if !ok {
		return nil
	}
	return d.MapRegistersBlock(block.BAR, block.Offset, block.Size)
}

func (d *Device) configAt(offset, width uint64) (int64, error) {
	if offset%width != 0 {
		return 0, fmt.Errorf("config offset %#x is not %d-byte aligned", offset, width)
	}
	if d.config.Size != 0 && offset+width > d.config.Size {
		return 0, fmt.Errorf("config offset %#x is beyond the %#x byte config space", offset, d.config.Size)
	}
	return int64(d.config.Offset + offset), nil
}

func (d *Device) readConfig(offset uint64, buf []byte) error {
	pos, err := d.configAt(offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	n, err := unix.Pread(d.fd(), buf, pos)
	if err != nil {
		return fmt.Errorf("failed to read config space of %s at %#x: %w", d.Address, offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read of config space of %s at %#x", d.Address, offset)
	}
	return nil
}

func (d *Device) writeConfig(offset uint64, buf []byte) error {
	pos, err := d.configAt(offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd(), buf, pos)
	if err != nil {
		return fmt.Errorf("failed to write config space of %s at %#x: %w", d.Address, offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write of config space of %s at %#x", d.Address, offset)
	}
	return nil
}

// ReadConfigWord reads 16 bits of config space.
func (d *Device) ReadConfigWord(offset uint64) (uint16, error) {
	var buf [2]byte
	if err := d.readConfig(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteConfigWord writes 16 bits of config space.
func (d *Device) WriteConfigWord(offset uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return d.writeConfig(offset, buf[:])
}

// ReadConfigLong reads 32 bits of config space.
func (d *Device) ReadConfigLong(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := d.readConfig(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteConfigLong writes 32 bits of config space.
func (d *Device) WriteConfigLong(offset uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.writeConfig(offset, buf[:])
}

// EnableBusMaster sets the bus master bit of the command register.
func (d *Device) EnableBusMaster() error {
	return d.setBusMaster(true)
}

// DisableBusMaster clears the bus master bit of the command register.
func (d *Device) DisableBusMaster() error {
	return d.setBusMaster(false)
}

func (d *Device) setBusMaster(enable bool) error {
	cmd, err := d.ReadConfigWord(pciCommandRegister)
	if err != nil {
		return err
	}
	want := cmd &^ pciCommandMaster
	if enable {
		want |= pciCommandMaster
	}
	if want == cmd {
		return nil
	}
	return d.WriteConfigWord(pciCommandRegister, want)
}

func (d *Device) unmapBARs() error {
	var err error
	for i, mem := range d.mmaps {
		if mem == nil {
			continue
		}
		if unmapErr := unix.Munmap(mem); unmapErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to unmap BAR%d of %s: %w", i, d.Address, unmapErr))
		}
		d.mmaps[i] = nil
	}
	return err
}

// close unmaps every BAR and closes the descriptor.
func (d *Device) close() error {
	err := d.unmapBARs()
	if d.file != nil {
		err = multierr.Append(err, d.file.Close())
		d.file = nil
	}
	return err
}
