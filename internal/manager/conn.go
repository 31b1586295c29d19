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
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	network = "unixpacket"
	// maxFDs is the number of descriptors an open reply can carry.
	maxFDs = 2
)

// DefaultSocketName is the abstract socket name used when none is
// configured.
const DefaultSocketName = "vfio-harness-manager"

func abstractAddr(name string) *net.UnixAddr {
	return &net.UnixAddr{Name: "@" + name, Net: network}
}

// packetConn is the subset of *net.UnixConn a Conn uses.
type packetConn interface {
	ReadMsgUnix(b, oob []byte) (n, oobn, flags int, addr *net.UnixAddr, err error)
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Conn carries messages over a SOCK_SEQPACKET connection. One message is one
// packet. Send is safe for concurrent use; Receive is not.
type Conn struct {
	conn packetConn
	wmu  sync.Mutex
	buf  []byte
	oob  []byte
}

func newConn(c packetConn) *Conn {
	return &Conn{
		conn: c,
		// one spare byte so an oversized packet is detected even where
		// MSG_TRUNC is not reported
		buf: make([]byte, MaxMessageSize+1),
		oob: make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
}

// Send writes m as a single packet with files attached as SCM_RIGHTS.
func (c *Conn) Send(m Message, files ...*os.File) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(files) > 0 && m.ID() != MsgOpenDeviceReply {
		return fmt.Errorf("descriptors can only be sent with %s, not %s", MsgOpenDeviceReply, m.ID())
	}
	if len(files) > maxFDs {
		return fmt.Errorf("%d descriptors exceed the limit of %d", len(files), maxFDs)
	}

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, oobn, err := c.conn.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", m.ID(), err)
	}
	if n != len(b) || oobn != len(oob) {
		return protocolErrorf("short write of %s: %d/%d bytes, %d/%d ancillary bytes", m.ID(), n, len(b), oobn, len(oob))
	}
	return nil
}

// Receive reads one message and any descriptors attached to it. It returns
// io.EOF when the peer has closed the connection. The caller owns the
// returned files.
func (c *Conn) Receive() (Message, []*os.File, error) {
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(c.buf, c.oob)
	if err != nil {
		return nil, nil, err
	}

	files, fdErr := parseRights(c.oob[:oobn])
	fail := func(err error) (Message, []*os.File, error) {
		closeFiles(files)
		return nil, nil, err
	}
	if fdErr != nil {
		return fail(fdErr)
	}
	if n == 0 && oobn == 0 {
		return nil, nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 || n > MaxMessageSize {
		return fail(protocolErrorf("message exceeds %d bytes", MaxMessageSize))
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return fail(protocolErrorf("ancillary data truncated"))
	}

	m, err := Unmarshal(c.buf[:n])
	if err != nil {
		return fail(err)
	}
	if len(files) > 0 && m.ID() != MsgOpenDeviceReply {
		return fail(protocolErrorf("%d descriptors attached to %s", len(files), m.ID()))
	}
	return m, files, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, protocolErrorf("malformed ancillary data: %v", err)
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFiles(files)
			return nil, protocolErrorf("unexpected ancillary data: %v", err)
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("fd:%d", fd)))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
