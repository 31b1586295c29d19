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
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// DefaultTimeout bounds how long a client waits for a reply.
const DefaultTimeout = 30 * time.Second

// ErrBroken is returned by every request on a client whose connection failed
// an earlier exchange.
var ErrBroken = errors.New("manager connection is broken")

// Client talks to a manager. Requests are serialized; the client is safe for
// concurrent use. A failed or unpaired exchange closes the connection, since
// a late reply would otherwise answer the next request.
type Client struct {
	log     *logrus.Logger
	name    string
	timeout time.Duration

	mu     sync.Mutex
	conn   *Conn
	broken error

	closeOnce sync.Once
	closeErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds every reply wait and the initial connect. Zero waits
// forever.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(log *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// Dial connects to the manager at the abstract socket name, retrying while
// the manager is not yet listening.
func Dial(ctx context.Context, name string, opts ...ClientOption) (*Client, error) {
	c := &Client{name: name, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var conn *net.UnixConn
	op := func() error {
		var err error
		conn, err = net.DialUnix(network, nil, abstractAddr(name))
		if err != nil {
			c.log.Debugf("manager @%s not reachable yet: %v", name, err)
		}
		return err
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to connect to manager @%s: %w", name, err)
	}
	c.conn = newConn(conn)
	return c, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// fail closes the connection and records err as the reason. Must be called
// with c.mu held.
func (c *Client) fail(err error) error {
	if c.broken == nil {
		c.broken = err
		c.log.Debugf("dropping connection to manager @%s: %v", c.name, err)
		_ = c.Close()
	}
	return err
}

// usable must be called with c.mu held.
func (c *Client) usable() error {
	if c.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, c.broken)
	}
	return nil
}

// OpenedDevice holds the descriptors and container details returned for an
// open request. The caller owns Device and Container.
type OpenedDevice struct {
	Device *os.File
	// Container is nil unless it was requested.
	Container *os.File
	IOMMUType uint32
	Groups    []string
	Token     uint64
}

// OpenDevice asks the manager for the descriptor of the device at addr.
func (c *Client) OpenDevice(addr pci.Address, capability pci.DMACapability, needContainer bool) (*OpenedDevice, error) {
	msg, files, err := c.roundTrip(&OpenDeviceRequest{Address: addr, Capability: capability, NeedContainer: needContainer}, MsgOpenDeviceReply)
	if err != nil {
		return nil, err
	}
	reply := msg.(*OpenDeviceReply)
	if !reply.Success {
		closeFiles(files)
		return nil, fmt.Errorf("manager failed to open %s: %s", addr, reply.Error)
	}

	expected := 1
	if needContainer {
		expected = 2
	}
	if len(files) != expected {
		closeFiles(files)
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.fail(protocolErrorf("open reply for %s carried %d descriptors, expected %d", addr, len(files), expected))
	}

	opened := &OpenedDevice{
		Device:    files[0],
		IOMMUType: reply.IOMMUType,
		Groups:    reply.Groups,
		Token:     reply.Token,
	}
	if needContainer {
		opened.Container = files[1]
	}
	return opened, nil
}

// CloseDevice drops the reference taken by OpenDevice.
func (c *Client) CloseDevice(addr pci.Address) error {
	msg, _, err := c.roundTrip(&CloseDeviceRequest{Address: addr}, MsgCloseDeviceReply)
	if err != nil {
		return err
	}
	if reply := msg.(*CloseDeviceReply); !reply.Success {
		return fmt.Errorf("manager failed to close %s: %s", addr, reply.Error)
	}
	return nil
}

// AllocateIOVA requests a range from the allocator of the container
// identified by token. Exhaustion is reported as iova.ErrNoIOVASpace.
func (c *Client) AllocateIOVA(token, size, align uint64, capability pci.DMACapability) (iova.Range, error) {
	msg, _, err := c.roundTrip(&AllocateIOVARequest{Token: token, Size: size, Align: align, Capability: capability}, MsgAllocateIOVAReply)
	if err != nil {
		return iova.Range{}, err
	}
	reply := msg.(*AllocateIOVAReply)
	if !reply.Success {
		if reply.NoSpace {
			return iova.Range{}, fmt.Errorf("%w: %s", iova.ErrNoIOVASpace, reply.Error)
		}
		return iova.Range{}, fmt.Errorf("manager failed to allocate IOVA: %s", reply.Error)
	}
	return reply.Range, nil
}

// FreeIOVA returns a range granted by AllocateIOVA.
func (c *Client) FreeIOVA(token uint64, r iova.Range) error {
	msg, _, err := c.roundTrip(&FreeIOVARequest{Token: token, Range: r}, MsgFreeIOVAReply)
	if err != nil {
		return err
	}
	if reply := msg.(*FreeIOVAReply); !reply.Success {
		return fmt.Errorf("manager failed to free IOVA %s: %s", r, reply.Error)
	}
	return nil
}

// AcquireExclusive blocks until the manager grants exclusive access or ctx
// is done. A cancelled wait closes the connection, since the grant may still
// arrive; the manager then hands the claim on.
func (c *Client) AcquireExclusive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.conn.Send(&ExclusiveRequest{}); err != nil {
		return c.fail(err)
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return c.fail(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, files, err := c.conn.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return c.fail(fmt.Errorf("waiting for exclusive access: %w", ctx.Err()))
		}
		return c.fail(fmt.Errorf("waiting for exclusive access: %w", err))
	}
	closeFiles(files)
	if msg.ID() != MsgExclusiveAllowed {
		return c.fail(protocolErrorf("expected %s, got %s", MsgExclusiveAllowed, msg.ID()))
	}
	return nil
}

// ReleaseExclusive ends exclusive access. The manager does not reply.
func (c *Client) ReleaseExclusive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.conn.Send(&ExclusiveCompleted{}); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) roundTrip(req Message, expected MessageID) (Message, []*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, nil, err
	}
	if err := c.conn.Send(req); err != nil {
		return nil, nil, c.fail(err)
	}

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, c.fail(err)
	}

	msg, files, err := c.conn.Receive()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, c.fail(fmt.Errorf("no %s from manager within %s: %w", expected, c.timeout, err))
		}
		return nil, nil, c.fail(fmt.Errorf("failed to receive %s: %w", expected, err))
	}
	if msg.ID() != expected {
		closeFiles(files)
		return nil, nil, c.fail(protocolErrorf("expected %s, got %s", expected, msg.ID()))
	}
	return msg, files, nil
}
