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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

func TestOpenDeviceReplyCarriesGroups(t *testing.T) {
	reply := &OpenDeviceReply{
		Success:   true,
		IOMMUType: 3,
		Groups:    []string{"12", "noiommu-4"},
		Token:     0xdead_beef_0000_0001,
	}

	b, err := Marshal(reply)
	require.NoError(t, err)
	require.Len(t, b, MaxMessageSize)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, reply, decoded)
}

func TestRequestLayout(t *testing.T) {
	req := &OpenDeviceRequest{
		Address:       pci.Address{Domain: 0x1234, Bus: 0x56, Device: 0x1f, Function: 7},
		Capability:    pci.DMA32,
		NeedContainer: true,
	}

	b, err := Marshal(req)
	require.NoError(t, err)
	require.Equal(t, []byte{
		1, 0, 0, 0, // MsgOpenDevice
		0x34, 0x12, 0x56, 0x1f, 7, 0, 0, 0,
		byte(pci.DMA32), 1, 0, 0, 0, 0, 0, 0,
	}, b)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestAllocateIOVAReplyRange(t *testing.T) {
	reply := &AllocateIOVAReply{Success: true, Range: iova.Range{Start: 0x1000, End: 0x1fff}}
	b, err := Marshal(reply)
	require.NoError(t, err)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, reply, decoded)
}

func TestExclusiveMessagesHaveNoBody(t *testing.T) {
	for _, m := range []Message{&ExclusiveRequest{}, &ExclusiveAllowed{}, &ExclusiveCompleted{}} {
		b, err := Marshal(m)
		require.NoError(t, err)
		require.Len(t, b, headerLen)

		decoded, err := Unmarshal(b)
		require.NoError(t, err)
		require.Equal(t, m.ID(), decoded.ID())
	}
}

func TestUnmarshalRejectsMalformedMessages(t *testing.T) {
	valid, err := Marshal(&CloseDeviceRequest{Address: pci.Address{Bus: 1}})
	require.NoError(t, err)

	testCases := []struct {
		description string
		input       []byte
	}{
		{
			description: "empty",
			input:       nil,
		},
		{
			description: "short header",
			input:       []byte{3, 0},
		},
		{
			description: "unknown id",
			input:       []byte{0xff, 0, 0, 0},
		},
		{
			description: "zero id",
			input:       []byte{0, 0, 0, 0},
		},
		{
			description: "truncated body",
			input:       valid[:len(valid)-1],
		},
		{
			description: "trailing bytes",
			input:       append(append([]byte{}, valid...), 0),
		},
		{
			description: "body on bodiless message",
			input:       []byte{byte(MsgExclusiveRequest), 0, 0, 0, 1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			_, err := Unmarshal(tc.input)
			require.ErrorIs(t, err, ErrProtocol)

			var protoErr *ProtocolError
			require.True(t, errors.As(err, &protoErr))
		})
	}
}

func TestMarshalRejectsOversizedFields(t *testing.T) {
	_, err := Marshal(&OpenDeviceReply{Groups: make([]string, MaxGroups+1)})
	require.Error(t, err)

	_, err = Marshal(&OpenDeviceReply{Groups: []string{strings.Repeat("g", groupNameLen)}})
	require.Error(t, err)
}

func TestLongErrorIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 2*errorLen)
	b, err := Marshal(&FreeIOVAReply{Error: long})
	require.NoError(t, err)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	require.Len(t, decoded.(*FreeIOVAReply).Error, errorLen-1)
}

