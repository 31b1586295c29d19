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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Backing selects where the host memory of a mapping comes from.
type Backing int

const (
	Heap Backing = iota
	SharedMemory
	HugePage
	Contiguous
)

func (b Backing) String() string {
	switch b {
	case Heap:
		return "heap"
	case SharedMemory:
		return "shared-memory"
	case HugePage:
		return "huge-page"
	case Contiguous:
		return "contiguous"
	}
	return fmt.Sprintf("backing(%d)", int(b))
}

// ParseBacking parses the String form of a Backing.
func ParseBacking(s string) (Backing, error) {
	for b := Heap; b <= Contiguous; b++ {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown buffer backing %q", s)
}

// HugePageSize is the huge page size used by the HugePage and Contiguous
// backings.
const HugePageSize = 2 << 20

var (
	shmDir = "/dev/shm"
	shmSeq atomic.Uint64
)

// Buffer is the host memory behind a mapping.
type Buffer struct {
	Kind Backing
	// Path is the shared memory file for SharedMemory buffers.
	Path string
	// Physical is the bus address of a Contiguous buffer.
	Physical uint64

	mem  []byte
	file *os.File
}

func (b *Buffer) Bytes() []byte {
	return b.mem
}

func (b *Buffer) Size() uint64 {
	return uint64(len(b.mem))
}

// Vaddr is the address of the first byte of the buffer.
func (b *Buffer) Vaddr() uintptr {
	if len(b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

func newBuffer(kind Backing, size uint64) (*Buffer, error) {
	switch kind {
	case Heap:
		return anonymousBuffer(kind, size, 0)
	case HugePage:
		return anonymousBuffer(kind, roundUp(size, HugePageSize), unix.MAP_HUGETLB)
	case SharedMemory:
		return sharedMemoryBuffer(size)
	case Contiguous:
		return contiguousBuffer(size)
	}
	return nil, fmt.Errorf("unknown buffer backing %d", int(kind))
}

func anonymousBuffer(kind Backing, size uint64, flags int) (*Buffer, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|flags)
	if err != nil {
		return nil, fmt.Errorf("failed to map %#x bytes of %s memory: %w", size, kind, err)
	}
	return &Buffer{Kind: kind, mem: mem}, nil
}

func sharedMemoryBuffer(size uint64) (*Buffer, error) {
	path := filepath.Join(shmDir, fmt.Sprintf("vfio-harness-%d-%d", os.Getpid(), shmSeq.Add(1)))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory file: %w", err)
	}
	b := &Buffer{Kind: SharedMemory, Path: path, file: file}
	if err := file.Truncate(int64(size)); err != nil {
		_ = b.release()
		return nil, fmt.Errorf("failed to size shared memory file %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = b.release()
		return nil, fmt.Errorf("failed to map shared memory file %s: %w", path, err)
	}
	b.mem = mem
	return b, nil
}

func contiguousBuffer(size uint64) (*Buffer, error) {
	if size > HugePageSize {
		return nil, fmt.Errorf("contiguous buffers are limited to one %#x byte huge page, requested %#x", HugePageSize, size)
	}
	b, err := anonymousBuffer(Contiguous, HugePageSize, unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	if err := unix.Mlock(b.mem); err != nil {
		_ = b.release()
		return nil, fmt.Errorf("failed to lock contiguous buffer: %w", err)
	}
	phys, err := physicalAddress(pagemapPath, b.Vaddr())
	if err != nil {
		_ = b.release()
		return nil, err
	}
	b.Physical = phys
	return b, nil
}

// release unmaps the buffer and removes its backing file. It is safe to call
// more than once.
func (b *Buffer) release() error {
	var err error
	if b.mem != nil {
		err = multierr.Append(err, unix.Munmap(b.mem))
		b.mem = nil
	}
	if b.file != nil {
		err = multierr.Append(err, b.file.Close())
		b.file = nil
	}
	if b.Path != "" {
		if rmErr := os.Remove(b.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
		b.Path = ""
	}
	return err
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
