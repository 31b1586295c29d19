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

package manager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// ErrProtocol is matched by every ProtocolError.
var ErrProtocol = errors.New("manager protocol error")

// ProtocolError reports a malformed or unexpected message. The connection
// it arrived on is not usable afterwards.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "manager protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// MessageID is the discriminant leading every message.
type MessageID uint32

const (
	MsgOpenDevice MessageID = iota + 1
	MsgOpenDeviceReply
	MsgCloseDevice
	MsgCloseDeviceReply
	MsgAllocateIOVA
	MsgAllocateIOVAReply
	MsgFreeIOVA
	MsgFreeIOVAReply
	MsgExclusiveRequest
	MsgExclusiveAllowed
	MsgExclusiveCompleted
)

var messageNames = map[MessageID]string{
	MsgOpenDevice:         "OpenDevice",
	MsgOpenDeviceReply:    "OpenDeviceReply",
	MsgCloseDevice:        "CloseDevice",
	MsgCloseDeviceReply:   "CloseDeviceReply",
	MsgAllocateIOVA:       "AllocateIOVA",
	MsgAllocateIOVAReply:  "AllocateIOVAReply",
	MsgFreeIOVA:           "FreeIOVA",
	MsgFreeIOVAReply:      "FreeIOVAReply",
	MsgExclusiveRequest:   "ExclusiveRequest",
	MsgExclusiveAllowed:   "ExclusiveAllowed",
	MsgExclusiveCompleted: "ExclusiveCompleted",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("MessageID(%d)", uint32(id))
}

const (
	// MaxGroups is the number of IOMMU group names an open reply carries.
	MaxGroups    = 8
	groupNameLen = 32
	errorLen     = 128
	headerLen    = 4
)

// Message is one request or reply.
type Message interface {
	ID() MessageID
	// wire returns the fixed-layout body, or nil for messages without one.
	wire() (interface{}, error)
	// fromWire fills the message from a decoded body.
	fromWire(body interface{})
}

// newWire returns a pointer to an empty body for id, or nil for messages
// without one.
func newWire(id MessageID) (Message, interface{}, bool) {
	switch id {
	case MsgOpenDevice:
		return &OpenDeviceRequest{}, &openDeviceWire{}, true
	case MsgOpenDeviceReply:
		return &OpenDeviceReply{}, &openDeviceReplyWire{}, true
	case MsgCloseDevice:
		return &CloseDeviceRequest{}, &closeDeviceWire{}, true
	case MsgCloseDeviceReply:
		return &CloseDeviceReply{}, &statusWire{}, true
	case MsgAllocateIOVA:
		return &AllocateIOVARequest{}, &allocateIOVAWire{}, true
	case MsgAllocateIOVAReply:
		return &AllocateIOVAReply{}, &allocateIOVAReplyWire{}, true
	case MsgFreeIOVA:
		return &FreeIOVARequest{}, &freeIOVAWire{}, true
	case MsgFreeIOVAReply:
		return &FreeIOVAReply{}, &statusWire{}, true
	case MsgExclusiveRequest:
		return &ExclusiveRequest{}, nil, true
	case MsgExclusiveAllowed:
		return &ExclusiveAllowed{}, nil, true
	case MsgExclusiveCompleted:
		return &ExclusiveCompleted{}, nil, true
	}
	return nil, nil, false
}

// MaxMessageSize is the size of the largest encoded message.
var MaxMessageSize = func() int {
	largest := headerLen
	for id := range messageNames {
		_, body, _ := newWire(id)
		if size := headerLen + bodySize(body); size > largest {
			largest = size
		}
	}
	return largest
}()

func bodySize(body interface{}) int {
	if body == nil {
		return 0
	}
	return binary.Size(body)
}

// Marshal encodes m.
func Marshal(m Message) ([]byte, error) {
	body, err := m.wire()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.ID(), err)
	}
	var buf bytes.Buffer
	buf.Grow(headerLen + bodySize(body))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(m.ID()))
	if body != nil {
		if err := binary.Write(&buf, binary.LittleEndian, body); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", m.ID(), err)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes one message. The body length must match the layout of
// the message id exactly.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < headerLen {
		return nil, protocolErrorf("%d byte message is shorter than its header", len(b))
	}
	id := MessageID(binary.LittleEndian.Uint32(b))
	m, body, ok := newWire(id)
	if !ok {
		return nil, protocolErrorf("unknown message id %d", uint32(id))
	}
	if expected := bodySize(body); len(b)-headerLen != expected {
		return nil, protocolErrorf("%s body is %d bytes, expected %d", id, len(b)-headerLen, expected)
	}
	if body != nil {
		if err := binary.Read(bytes.NewReader(b[headerLen:]), binary.LittleEndian, body); err != nil {
			return nil, protocolErrorf("failed to decode %s: %v", id, err)
		}
	}
	m.fromWire(body)
	return m, nil
}

type wireAddress struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
	_        [3]uint8
}

func toWireAddress(a pci.Address) wireAddress {
	return wireAddress{Domain: a.Domain, Bus: a.Bus, Device: a.Device, Function: a.Function}
}

func (w wireAddress) address() pci.Address {
	return pci.Address{Domain: w.Domain, Bus: w.Bus, Device: w.Device, Function: w.Function}
}

func putString(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("string %q exceeds %d bytes", s, len(dst)-1)
	}
	copy(dst, s)
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func putError(dst []byte, s string) {
	// truncated rather than rejected
	if len(s) >= len(dst) {
		s = s[:len(dst)-1]
	}
	copy(dst, s)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// OpenDeviceRequest asks the manager for a device descriptor.
type OpenDeviceRequest struct {
	Address    pci.Address
	Capability pci.DMACapability
	// NeedContainer requests the container descriptor alongside the device
	// descriptor.
	NeedContainer bool
}

type openDeviceWire struct {
	Address       wireAddress
	Capability    uint8
	NeedContainer uint8
	_             [6]uint8
}

func (m *OpenDeviceRequest) ID() MessageID { return MsgOpenDevice }

func (m *OpenDeviceRequest) wire() (interface{}, error) {
	return &openDeviceWire{
		Address:       toWireAddress(m.Address),
		Capability:    uint8(m.Capability),
		NeedContainer: boolByte(m.NeedContainer),
	}, nil
}

func (m *OpenDeviceRequest) fromWire(body interface{}) {
	w := body.(*openDeviceWire)
	m.Address = w.Address.address()
	m.Capability = pci.DMACapability(w.Capability)
	m.NeedContainer = w.NeedContainer != 0
}

// OpenDeviceReply answers OpenDeviceRequest. The descriptors travel as
// ancillary data: the device first, then the container if requested.
type OpenDeviceReply struct {
	Success   bool
	IOMMUType uint32
	Groups    []string
	Token     uint64
	Error     string
}

type openDeviceReplyWire struct {
	Success   uint8
	_         [3]uint8
	IOMMUType uint32
	Token     uint64
	NumGroups uint32
	_         uint32
	Groups    [MaxGroups][groupNameLen]byte
	Error     [errorLen]byte
}

func (m *OpenDeviceReply) ID() MessageID { return MsgOpenDeviceReply }

func (m *OpenDeviceReply) wire() (interface{}, error) {
	if len(m.Groups) > MaxGroups {
		return nil, fmt.Errorf("%d IOMMU groups exceed the limit of %d", len(m.Groups), MaxGroups)
	}
	w := &openDeviceReplyWire{
		Success:   boolByte(m.Success),
		IOMMUType: m.IOMMUType,
		Token:     m.Token,
		NumGroups: uint32(len(m.Groups)),
	}
	for i, g := range m.Groups {
		if err := putString(w.Groups[i][:], g); err != nil {
			return nil, err
		}
	}
	putError(w.Error[:], m.Error)
	return w, nil
}

func (m *OpenDeviceReply) fromWire(body interface{}) {
	w := body.(*openDeviceReplyWire)
	m.Success = w.Success != 0
	m.IOMMUType = w.IOMMUType
	m.Token = w.Token
	n := int(w.NumGroups)
	if n > MaxGroups {
		n = MaxGroups
	}
	m.Groups = nil
	for i := 0; i < n; i++ {
		m.Groups = append(m.Groups, getString(w.Groups[i][:]))
	}
	m.Error = getString(w.Error[:])
}

// CloseDeviceRequest drops one reference to a device.
type CloseDeviceRequest struct {
	Address pci.Address
}

type closeDeviceWire struct {
	Address wireAddress
}

func (m *CloseDeviceRequest) ID() MessageID { return MsgCloseDevice }

func (m *CloseDeviceRequest) wire() (interface{}, error) {
	return &closeDeviceWire{Address: toWireAddress(m.Address)}, nil
}

func (m *CloseDeviceRequest) fromWire(body interface{}) {
	m.Address = body.(*closeDeviceWire).Address.address()
}

type statusWire struct {
	Success uint8
	_       [7]uint8
	Error   [errorLen]byte
}

func newStatusWire(success bool, msg string) *statusWire {
	w := &statusWire{Success: boolByte(success)}
	putError(w.Error[:], msg)
	return w
}

// CloseDeviceReply answers CloseDeviceRequest.
type CloseDeviceReply struct {
	Success bool
	Error   string
}

func (m *CloseDeviceReply) ID() MessageID { return MsgCloseDeviceReply }

func (m *CloseDeviceReply) wire() (interface{}, error) {
	return newStatusWire(m.Success, m.Error), nil
}

func (m *CloseDeviceReply) fromWire(body interface{}) {
	w := body.(*statusWire)
	m.Success = w.Success != 0
	m.Error = getString(w.Error[:])
}

// AllocateIOVARequest asks for an IOVA range in the container identified by
// Token.
type AllocateIOVARequest struct {
	Token      uint64
	Size       uint64
	Align      uint64
	Capability pci.DMACapability
}

type allocateIOVAWire struct {
	Token      uint64
	Size       uint64
	Align      uint64
	Capability uint8
	_          [7]uint8
}

func (m *AllocateIOVARequest) ID() MessageID { return MsgAllocateIOVA }

func (m *AllocateIOVARequest) wire() (interface{}, error) {
	return &allocateIOVAWire{Token: m.Token, Size: m.Size, Align: m.Align, Capability: uint8(m.Capability)}, nil
}

func (m *AllocateIOVARequest) fromWire(body interface{}) {
	w := body.(*allocateIOVAWire)
	m.Token = w.Token
	m.Size = w.Size
	m.Align = w.Align
	m.Capability = pci.DMACapability(w.Capability)
}

// AllocateIOVAReply answers AllocateIOVARequest with an inclusive range.
type AllocateIOVAReply struct {
	Success bool
	Range   iova.Range
	// NoSpace is set when the failure was an exhausted address space.
	NoSpace bool
	Error   string
}

type allocateIOVAReplyWire struct {
	Success uint8
	NoSpace uint8
	_       [6]uint8
	Start   uint64
	End     uint64
	Error   [errorLen]byte
}

func (m *AllocateIOVAReply) ID() MessageID { return MsgAllocateIOVAReply }

func (m *AllocateIOVAReply) wire() (interface{}, error) {
	w := &allocateIOVAReplyWire{
		Success: boolByte(m.Success),
		NoSpace: boolByte(m.NoSpace),
		Start:   m.Range.Start,
		End:     m.Range.End,
	}
	putError(w.Error[:], m.Error)
	return w, nil
}

func (m *AllocateIOVAReply) fromWire(body interface{}) {
	w := body.(*allocateIOVAReplyWire)
	m.Success = w.Success != 0
	m.NoSpace = w.NoSpace != 0
	m.Range = iova.Range{Start: w.Start, End: w.End}
	m.Error = getString(w.Error[:])
}

// FreeIOVARequest returns a range previously granted to the same client.
type FreeIOVARequest struct {
	Token uint64
	Range iova.Range
}

type freeIOVAWire struct {
	Token uint64
	Start uint64
	End   uint64
}

func (m *FreeIOVARequest) ID() MessageID { return MsgFreeIOVA }

func (m *FreeIOVARequest) wire() (interface{}, error) {
	return &freeIOVAWire{Token: m.Token, Start: m.Range.Start, End: m.Range.End}, nil
}

func (m *FreeIOVARequest) fromWire(body interface{}) {
	w := body.(*freeIOVAWire)
	m.Token = w.Token
	m.Range = iova.Range{Start: w.Start, End: w.End}
}

// FreeIOVAReply answers FreeIOVARequest.
type FreeIOVAReply struct {
	Success bool
	Error   string
}

func (m *FreeIOVAReply) ID() MessageID { return MsgFreeIOVAReply }

func (m *FreeIOVAReply) wire() (interface{}, error) {
	return newStatusWire(m.Success, m.Error), nil
}

func (m *FreeIOVAReply) fromWire(body interface{}) {
	w := body.(*statusWire)
	m.Success = w.Success != 0
	m.Error = getString(w.Error[:])
}

type ExclusiveRequest struct{}

func (*ExclusiveRequest) ID() MessageID              { return MsgExclusiveRequest }
func (*ExclusiveRequest) wire() (interface{}, error) { return nil, nil }
func (*ExclusiveRequest) fromWire(interface{})       {}

type ExclusiveAllowed struct{}

func (*ExclusiveAllowed) ID() MessageID              { return MsgExclusiveAllowed }
func (*ExclusiveAllowed) wire() (interface{}, error) { return nil, nil }
func (*ExclusiveAllowed) fromWire(interface{})       {}

type ExclusiveCompleted struct{}

func (*ExclusiveCompleted) ID() MessageID              { return MsgExclusiveCompleted }
func (*ExclusiveCompleted) wire() (interface{}, error) { return nil, nil }
func (*ExclusiveCompleted) fromWire(interface{})       {}
