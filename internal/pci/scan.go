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

package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

const (
	pciDevicesRoot = "sys/bus/pci/devices"
	pciDriversRoot = "sys/bus/pci/drivers"
)

// Function is one PCI function as seen in sysfs.
type Function struct {
	Address  Address
	Identity Identity
	// Driver is the name of the bound driver, or "" if none.
	Driver string
	// IOMMUGroup is the IOMMU group number as a string, or "" if the
	// function is not part of a group.
	IOMMUGroup string
	Path       string
}

// Match pairs a function with the filter it was selected by.
type Match struct {
	*Function
	Filter Filter
}

// Scanner enumerates PCI functions from sysfs.
type Scanner struct {
	log  *logrus.Logger
	root string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRoot sets the filesystem root sysfs is read from.
func WithRoot(root string) Option {
	return func(s *Scanner) {
		s.root = root
	}
}

// WithLogger sets the logger used to report unreadable functions.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Scanner) {
		s.log = log
	}
}

// NewScanner creates a sysfs scanner.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{}
	for _, opt := range opts {
		opt(s)
	}
	if s.root == "" {
		s.root = "/"
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// Root returns the filesystem root of the scanner.
func (s *Scanner) Root() string {
	return s.root
}

// Functions returns every PCI function, ordered by address. Functions whose
// sysfs entries cannot be read are logged and skipped.
func (s *Scanner) Functions() ([]*Function, error) {
	devicesRoot := filepath.Join(s.root, pciDevicesRoot)
	entries, err := os.ReadDir(devicesRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", devicesRoot, err)
	}

	var functions []*Function
	for _, entry := range entries {
		address, err := ParseAddress(entry.Name())
		if err != nil {
			continue
		}
		fn, err := s.function(address)
		if err != nil {
			s.log.Warnf("Skipping PCI device %s: %v", address, err)
			continue
		}
		functions = append(functions, fn)
	}

	sort.Slice(functions, func(i, j int) bool {
		return functions[i].Address.String() < functions[j].Address.String()
	})
	return functions, nil
}

// Function returns the sysfs description of one PCI function.
func (s *Scanner) Function(address Address) (*Function, error) {
	return s.function(address)
}

// Match returns every function matching at least one filter, paired with
// the most specific matching filter.
func (s *Scanner) Match(filters []Filter) ([]Match, error) {
	functions, err := s.Functions()
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, fn := range functions {
		i := BestMatch(fn.Identity, filters)
		if i < 0 {
			continue
		}
		matches = append(matches, Match{Function: fn, Filter: filters[i]})
	}
	return matches, nil
}

func (s *Scanner) function(address Address) (*Function, error) {
	path := filepath.Join(s.root, pciDevicesRoot, address.String())

	data, err := os.ReadFile(filepath.Join(path, "modalias"))
	if err != nil {
		return nil, fmt.Errorf("failed to read modalias: %w", err)
	}
	ma, err := parseModAliasString(string(data))
	if err != nil {
		return nil, err
	}
	identity, err := ma.identity()
	if err != nil {
		return nil, err
	}

	driver, err := getDriver(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}

	group, err := getIOMMUGroup(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get IOMMU group: %w", err)
	}

	return &Function{
		Address:    address,
		Identity:   identity,
		Driver:     driver,
		IOMMUGroup: group,
		Path:       path,
	}, nil
}

// modAlias returns the parsed modalias of the function.
func (f *Function) modAlias() (*modAlias, error) {
	data, err := os.ReadFile(filepath.Join(f.Path, "modalias"))
	if err != nil {
		return nil, err
	}
	return parseModAliasString(string(data))
}

func getDriver(devicePath string) (string, error) {
	driver, err := filepath.EvalSymlinks(filepath.Join(devicePath, "driver"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	case err == nil:
		return filepath.Base(driver), nil
	}
	return "", err
}

func getIOMMUGroup(devicePath string) (string, error) {
	link, err := os.Readlink(filepath.Join(devicePath, "iommu_group"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	case err == nil:
		return filepath.Base(link), nil
	}
	return "", err
}
