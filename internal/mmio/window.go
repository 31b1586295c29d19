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

// Package mmio provides typed access to memory-mapped device registers.
package mmio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Window is a bounds-checked view onto memory-mapped registers, typically a
// region of a PCI BAR. Accesses must be naturally aligned. 32-bit accesses
// use atomic loads and stores; Go has no 8 or 16-bit atomics, so narrower
// accesses are plain single loads and stores.
type Window struct {
	mem []byte
}

// ErrNoWindow is returned for accesses through a nil window, such as the one
// returned for a register block the device does not have.
var ErrNoWindow = errors.New("no register window")

// NewWindow wraps mapped memory.
func NewWindow(mem []byte) *Window {
	return &Window{mem: mem}
}

// Size returns the size of the window in bytes.
func (w *Window) Size() uint64 {
	if w == nil {
		return 0
	}
	return uint64(len(w.mem))
}

// Bytes returns the underlying memory.
func (w *Window) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.mem
}

// Sub returns the window [offset, offset+size), or nil if it does not fit.
func (w *Window) Sub(offset, size uint64) *Window {
	if w == nil || offset > w.Size() || size > w.Size()-offset {
		return nil
	}
	return &Window{mem: w.mem[offset : offset+size : offset+size]}
}

func (w *Window) check(offset, width uint64) error {
	if w == nil {
		return fmt.Errorf("%d-bit register access at %#x: %w", width*8, offset, ErrNoWindow)
	}
	if offset%width != 0 {
		return fmt.Errorf("unaligned %d-bit register access at %#x", width*8, offset)
	}
	if offset > w.Size() || width > w.Size()-offset {
		return fmt.Errorf("%d-bit register access at %#x outside %#x byte window", width*8, offset, w.Size())
	}
	return nil
}

func (w *Window) ptr(offset uint64) unsafe.Pointer {
	return unsafe.Pointer(&w.mem[offset])
}

// Read8 reads the byte register at offset.
func (w *Window) Read8(offset uint64) (uint8, error) {
	if err := w.check(offset, 1); err != nil {
		return 0, err
	}
	return *(*uint8)(w.ptr(offset)), nil
}

// Write8 writes the byte register at offset.
func (w *Window) Write8(offset uint64, v uint8) error {
	if err := w.check(offset, 1); err != nil {
		return err
	}
	*(*uint8)(w.ptr(offset)) = v
	return nil
}

// Read16 reads the 16-bit register at offset.
func (w *Window) Read16(offset uint64) (uint16, error) {
	if err := w.check(offset, 2); err != nil {
		return 0, err
	}
	return *(*uint16)(w.ptr(offset)), nil
}

// Write16 writes the 16-bit register at offset.
func (w *Window) Write16(offset uint64, v uint16) error {
	if err := w.check(offset, 2); err != nil {
		return err
	}
	*(*uint16)(w.ptr(offset)) = v
	return nil
}

// Read32 reads the 32-bit register at offset.
func (w *Window) Read32(offset uint64) (uint32, error) {
	if err := w.check(offset, 4); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(w.ptr(offset))), nil
}

// Write32 writes the 32-bit register at offset.
func (w *Window) Write32(offset uint64, v uint32) error {
	if err := w.check(offset, 4); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(w.ptr(offset)), v)
	return nil
}

// Read64 reads a 64-bit register as two 32-bit reads, low word first. The
// FPGA register interfaces do not support 64-bit transactions.
func (w *Window) Read64(offset uint64) (uint64, error) {
	if err := w.check(offset, 8); err != nil {
		return 0, err
	}
	lo := atomic.LoadUint32((*uint32)(w.ptr(offset)))
	hi := atomic.LoadUint32((*uint32)(w.ptr(offset + 4)))
	return uint64(hi)<<32 | uint64(lo), nil
}

// Write64 writes a 64-bit register as two 32-bit writes, low word first.
func (w *Window) Write64(offset uint64, v uint64) error {
	if err := w.check(offset, 8); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(w.ptr(offset)), uint32(v))
	atomic.StoreUint32((*uint32)(w.ptr(offset+4)), uint32(v>>32))
	return nil
}
