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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/NVIDIA/vfio-harness/internal/dma"
	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/manager"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// DefaultMaxDevices is the capacity of a Devices collection unless
// WithMaxDevices is given.
const DefaultMaxDevices = 4

const containerNode = "vfio"

// Devices is a bounded set of devices sharing one container.
type Devices struct {
	log        *logrus.Logger
	root       string
	scanner    *pci.Scanner
	maxDevices int
	probe      ProbeFunc
	client     *manager.Client

	mu         sync.Mutex
	container  *Container
	token      uint64
	groups     map[string]*Group
	devices    []*Device
	alloc      *iova.Allocator
	mappings   map[*dma.Mapping]struct{}
	contiguous int
	failures   []error
}

var (
	_ dma.Target      = (*Devices)(nil)
	_ manager.Backend = (*Devices)(nil)
)

// Option configures a Devices collection.
type Option func(*Devices)

// WithRoot sets the filesystem root sysfs and /dev/vfio are found under.
func WithRoot(root string) Option {
	return func(d *Devices) {
		d.root = root
	}
}

func WithLogger(log *logrus.Logger) Option {
	return func(d *Devices) {
		d.log = log
	}
}

// WithMaxDevices sets the capacity of the collection.
func WithMaxDevices(n int) Option {
	return func(d *Devices) {
		d.maxDevices = n
	}
}

// WithManager opens devices through a manager instead of directly. IOVA
// ranges are then allocated by the manager as well.
func WithManager(client *manager.Client) Option {
	return func(d *Devices) {
		d.client = client
	}
}

// WithProbe sets a callback run on every device after it was opened.
func WithProbe(probe ProbeFunc) Option {
	return func(d *Devices) {
		d.probe = probe
	}
}

// New returns an empty collection. Devices are added by Open or, in a
// manager process, on behalf of clients.
func New(opts ...Option) *Devices {
	d := &Devices{
		maxDevices: DefaultMaxDevices,
		groups:     make(map[string]*Group),
		mappings:   make(map[*dma.Mapping]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.root == "" {
		d.root = "/"
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	d.scanner = pci.NewScanner(pci.WithRoot(d.root), pci.WithLogger(d.log))
	return d
}

// Open scans the PCI bus and opens every function matching a filter. A
// device that fails to open is logged, recorded in Failures and skipped.
func Open(filters []pci.Filter, opts ...Option) (*Devices, error) {
	d := New(opts...)
	matches, err := d.scanner.Match(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to scan PCI bus: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range matches {
		dev, err := d.open(m.Function, m.Filter)
		if err != nil {
			d.log.Warnf("%v", err)
			d.failures = append(d.failures, err)
			continue
		}
		d.log.Infof("Opened %s (%s) in IOMMU group %s", dev.Address, m.Filter, dev.Group)
	}
	return d, nil
}

// Devices returns the open devices in the order they were opened.
func (d *Devices) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Device(nil), d.devices...)
}

// Len returns the number of open devices.
func (d *Devices) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Failures returns the errors of devices Open skipped.
func (d *Devices) Failures() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.failures...)
}

// Container returns the shared container, or nil before the first device
// was opened.
func (d *Devices) Container() *Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.container
}

func (d *Devices) find(addr pci.Address) *Device {
	for _, dev := range d.devices {
		if dev.Address == addr {
			return dev
		}
	}
	return nil
}

// open adds one device. Must be called with d.mu held.
func (d *Devices) open(fn *pci.Function, filter pci.Filter) (*Device, error) {
	if dev := d.find(fn.Address); dev != nil {
		return dev, nil
	}
	fail := func(err error) (*Device, error) {
		return nil, &DeviceOpenError{Address: fn.Address, Group: fn.IOMMUGroup, Err: err}
	}
	if len(d.devices) >= d.maxDevices {
		return fail(fmt.Errorf("device array full (capacity %d)", d.maxDevices))
	}

	var dev *Device
	var err error
	if d.client != nil {
		dev, err = d.openRemote(fn, filter)
	} else {
		dev, err = d.openLocal(fn, filter)
	}
	if err != nil {
		return fail(err)
	}

	if err := d.setup(dev); err != nil {
		if closeErr := d.closeDevice(dev); closeErr != nil {
			d.log.Warnf("%s: %v", dev.Address, closeErr)
		}
		return fail(err)
	}
	d.devices = append(d.devices, dev)
	return dev, nil
}

func (d *Devices) setup(dev *Device) error {
	if err := dev.queryInfo(); err != nil {
		return err
	}
	if dev.Filter.DMACapability != pci.DMANone {
		if err := dev.EnableBusMaster(); err != nil {
			return fmt.Errorf("failed to enable bus mastering: %w", err)
		}
	}
	if d.probe != nil {
		result, err := d.probe(dev)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		dev.Probe = result
	}
	return nil
}

func (d *Devices) openLocal(fn *pci.Function, filter pci.Filter) (*Device, error) {
	if fn.IOMMUGroup == "" {
		return nil, errors.New("device has no IOMMU group; enable the IOMMU or VFIO NOIOMMU mode")
	}
	g, err := d.group(fn.IOMMUGroup)
	if err != nil {
		return nil, err
	}
	file, err := g.deviceFile(fn.Address.String())
	if err != nil {
		d.releaseGroup(g)
		return nil, err
	}
	g.devices++
	dev := newDevice(d.log, fn, filter, file)
	dev.group = g
	return dev, nil
}

// group returns the open group, opening it and attaching it to the
// container first if needed.
func (d *Devices) group(number string) (*Group, error) {
	if g, ok := d.groups[number]; ok {
		return g, nil
	}
	g, err := openGroup(d.root, number)
	if err != nil {
		return nil, err
	}
	if err := g.checkViable(); err != nil {
		g.file.Close()
		return nil, err
	}

	first := d.container == nil
	if first {
		path := filepath.Join(d.root, vfioDevDir, containerNode)
		c, err := openContainer(path)
		if errors.Is(err, os.ErrPermission) {
			err = newPermissionError(path, g.NoIOMMU, err)
		}
		if err != nil {
			g.file.Close()
			return nil, err
		}
		d.container = c
	} else if g.NoIOMMU != d.container.NoIOMMU() {
		g.file.Close()
		return nil, fmt.Errorf("IOMMU group %s cannot share a container with groups of a different IOMMU mode", number)
	}

	if err := g.setContainer(d.container); err != nil {
		g.file.Close()
		d.dropContainerIfUnused()
		return nil, err
	}
	d.groups[number] = g

	if d.container.IOMMUType() == 0 {
		if err := d.container.setIOMMU(g.NoIOMMU); err != nil {
			d.releaseGroup(g)
			return nil, err
		}
		if err := d.initContainer(); err != nil {
			d.releaseGroup(g)
			return nil, err
		}
		d.log.Infof("Using IOMMU type %s with page size %#x", IOMMUTypeName(d.container.IOMMUType()), d.container.PageSize())
	}
	return g, nil
}

func (d *Devices) initContainer() error {
	token, err := d.container.Token()
	if err != nil {
		return err
	}
	d.token = token
	if d.container.NoIOMMU() || d.alloc != nil {
		return nil
	}
	alloc, err := iova.New(d.container.Ranges()...)
	if err != nil {
		return fmt.Errorf("failed to seed IOVA allocator: %w", err)
	}
	d.alloc = alloc
	return nil
}

// releaseGroup closes g once it has no open devices. The last group of the
// container stays attached while the collection is open, since detaching it
// would discard the IOMMU context and every DMA mapping in it.
func (d *Devices) releaseGroup(g *Group) {
	if g.devices > 0 {
		return
	}
	if len(d.groups) == 1 && d.groups[g.Number] == g && d.container != nil && d.container.IOMMUType() != 0 {
		d.log.Debugf("Keeping IOMMU group %s attached to the container", g.Number)
		return
	}
	delete(d.groups, g.Number)
	if err := g.Close(); err != nil {
		d.log.Warnf("%v", err)
	}
	d.dropContainerIfUnused()
}

func (d *Devices) dropContainerIfUnused() {
	if d.container == nil || len(d.groups) > 0 || d.container.IOMMUType() != 0 {
		return
	}
	_ = d.container.Close()
	d.container = nil
}

func (d *Devices) openRemote(fn *pci.Function, filter pci.Filter) (*Device, error) {
	// only a device that performs DMA needs the container
	needContainer := d.container == nil && filter.DMACapability != pci.DMANone
	opened, err := d.client.OpenDevice(fn.Address, filter.DMACapability, needContainer)
	if err != nil {
		return nil, err
	}
	if needContainer {
		c, err := adoptContainer(opened.Container, opened.IOMMUType)
		if err != nil {
			opened.Container.Close()
			opened.Device.Close()
			_ = d.client.CloseDevice(fn.Address)
			return nil, err
		}
		d.container = c
		d.token = opened.Token
		d.log.Debugf("Adopted container %#x (%s) from manager, groups %v", d.token, IOMMUTypeName(opened.IOMMUType), opened.Groups)
	} else if d.container != nil && opened.Token != d.token {
		opened.Device.Close()
		_ = d.client.CloseDevice(fn.Address)
		return nil, fmt.Errorf("manager opened the device in container %#x, expected %#x", opened.Token, d.token)
	}
	return newDevice(d.log, fn, filter, opened.Device), nil
}

// closeDevice releases one device. Must be called with d.mu held.
func (d *Devices) closeDevice(dev *Device) error {
	err := dev.close()
	if d.client != nil {
		if closeErr := d.client.CloseDevice(dev.Address); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	} else if dev.group != nil {
		dev.group.devices--
		d.releaseGroup(dev.group)
		dev.group = nil
	}
	for i, other := range d.devices {
		if other == dev {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			break
		}
	}
	return err
}

// Close closes every device, then the groups and the container. It fails
// without closing anything while DMA mappings are outstanding.
func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.mappings); n > 0 {
		return fmt.Errorf("cannot close devices: %d DMA mappings are still outstanding", n)
	}

	var err error
	for i := len(d.devices) - 1; i >= 0; i-- {
		dev := d.devices[i]
		if closeErr := d.closeDevice(dev); closeErr != nil {
			d.log.Warnf("Failed to close %s: %v", dev.Address, closeErr)
			err = multierr.Append(err, closeErr)
		}
	}
	for number, g := range d.groups {
		if closeErr := g.Close(); closeErr != nil {
			d.log.Warnf("%v", closeErr)
			err = multierr.Append(err, closeErr)
		}
		delete(d.groups, number)
	}
	if d.container != nil {
		err = multierr.Append(err, d.container.Close())
		d.container = nil
	}
	d.alloc = nil
	return err
}

// GroupNames returns the node names of the groups in the container.
func (d *Devices) GroupNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, g := range d.groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}

// IOMMUType returns the type of the container, or 0 if there is none yet.
func (d *Devices) IOMMUType() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil {
		return 0
	}
	return d.container.IOMMUType()
}

// ContainerToken identifies the container in manager requests.
func (d *Devices) ContainerToken() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// ContainerFile returns the container descriptor, or nil.
func (d *Devices) ContainerFile() *os.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil {
		return nil
	}
	return d.container.File()
}

// IOVA returns the local allocator. It is nil in manager clients and in
// NOIOMMU mode.
func (d *Devices) IOVA() *iova.Allocator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc
}

// OpenShared opens the device at addr on behalf of a manager client.
func (d *Devices) OpenShared(addr pci.Address, capability pci.DMACapability) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dev := d.find(addr); dev != nil {
		return dev.file, nil
	}
	fn, err := d.scanner.Function(addr)
	if err != nil {
		return nil, &DeviceOpenError{Address: addr, Err: err}
	}
	dev, err := d.open(fn, pci.Filter{Name: "client", VendorID: pci.AnyID, DeviceID: pci.AnyID,
		SubsystemVendorID: pci.AnyID, SubsystemDeviceID: pci.AnyID, DMACapability: capability})
	if err != nil {
		return nil, err
	}
	dev.sharedOnly = true
	d.log.Infof("Opened %s in IOMMU group %s for manager clients", addr, dev.Group)
	return dev.file, nil
}

// ReleaseShared closes a device that was opened only for manager clients.
func (d *Devices) ReleaseShared(addr pci.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.find(addr)
	if dev == nil || !dev.sharedOnly {
		return nil
	}
	d.log.Infof("Closing %s, no manager client holds it", addr)
	return d.closeDevice(dev)
}
