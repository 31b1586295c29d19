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
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/vfio-harness/internal/iova"
	"github.com/NVIDIA/vfio-harness/internal/pci"
)

// Backend owns the container and devices the manager hands out.
type Backend interface {
	// OpenShared returns the descriptor of the device at addr, opening it
	// if needed. Repeated calls return the same file.
	OpenShared(addr pci.Address, capability pci.DMACapability) (*os.File, error)
	// ReleaseShared is called once the last client reference to addr is
	// dropped.
	ReleaseShared(addr pci.Address) error
	// ContainerFile returns nil if no container has been created yet.
	ContainerFile() *os.File
	ContainerToken() uint64
	IOMMUType() uint32
	GroupNames() []string
	// IOVA returns nil when the container has no IOMMU.
	IOVA() *iova.Allocator
}

// Server answers client requests on an abstract SOCK_SEQPACKET socket.
type Server struct {
	log      *logrus.Logger
	backend  Backend
	name     string
	listener *net.UnixListener

	mu      sync.Mutex
	refs    map[pci.Address]int
	clients map[*session]struct{}
	arbiter arbiter
	nextID  int
	closed  bool
}

// session is the manager side state of one client connection.
type session struct {
	id   int
	conn *Conn
	refs map[pci.Address]int
	iova map[iova.Range]struct{}
}

func (s *session) String() string {
	return fmt.Sprintf("client %d", s.id)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(log *logrus.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// Listen binds the abstract socket name.
func Listen(name string, backend Backend, opts ...ServerOption) (*Server, error) {
	s := &Server{
		backend: backend,
		name:    name,
		refs:    make(map[pci.Address]int),
		clients: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	l, err := net.ListenUnix(network, abstractAddr(name))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on @%s: %w", name, err)
	}
	s.listener = l
	return s, nil
}

// Name is the abstract socket name without the leading '@'.
func (s *Server) Name() string {
	return s.name
}

// Serve accepts clients until ctx is cancelled. Every connection is served
// by its own goroutine; a failing connection does not stop the others.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		_ = s.listener.Close()
		s.mu.Lock()
		s.closed = true
		for c := range s.clients {
			_ = c.conn.Close()
		}
		s.mu.Unlock()
		return nil
	})

	g.Go(func() error {
		for {
			c, err := s.listener.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to accept on @%s: %w", s.name, err)
			}
			sess := s.connect(c)
			if sess == nil {
				continue
			}
			g.Go(func() error {
				s.handle(sess)
				return nil
			})
		}
	})

	return g.Wait()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Refs returns the number of client references held on addr.
func (s *Server) Refs(addr pci.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[addr]
}

// connect registers a new connection. It returns nil once the server is
// shutting down.
func (s *Server) connect(c *net.UnixConn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return nil
	}
	s.nextID++
	sess := &session{
		id:   s.nextID,
		conn: newConn(c),
		refs: make(map[pci.Address]int),
		iova: make(map[iova.Range]struct{}),
	}
	s.clients[sess] = struct{}{}
	s.log.Debugf("%s connected", sess)
	return sess
}

func (s *Server) handle(sess *session) {
	defer s.disconnect(sess)
	for {
		msg, files, err := sess.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("%s: %v; closing connection", sess, err)
			return
		}
		closeFiles(files)

		if err := s.dispatch(sess, msg); err != nil {
			s.log.Warnf("%s: %v; closing connection", sess, err)
			return
		}
	}
}

func (s *Server) dispatch(sess *session, msg Message) error {
	switch m := msg.(type) {
	case *OpenDeviceRequest:
		reply, files := s.openDevice(sess, m)
		return sess.conn.Send(reply, files...)
	case *CloseDeviceRequest:
		return sess.conn.Send(s.closeDevice(sess, m))
	case *AllocateIOVARequest:
		return sess.conn.Send(s.allocateIOVA(sess, m))
	case *FreeIOVARequest:
		return sess.conn.Send(s.freeIOVA(sess, m))
	case *ExclusiveRequest:
		s.mu.Lock()
		granted, err := s.arbiter.request(sess)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if granted {
			return sess.conn.Send(&ExclusiveAllowed{})
		}
		s.log.Debugf("%s queued for exclusive access", sess)
		return nil
	case *ExclusiveCompleted:
		s.mu.Lock()
		next, err := s.arbiter.complete(sess)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.grant(next)
		return nil
	}
	return protocolErrorf("unexpected %s from client", msg.ID())
}

func (s *Server) openDevice(sess *session, m *OpenDeviceRequest) (*OpenDeviceReply, []*os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.backend.OpenShared(m.Address, m.Capability)
	if err != nil {
		s.log.Warnf("%s: failed to open %s: %v", sess, m.Address, err)
		return &OpenDeviceReply{Error: err.Error()}, nil
	}
	s.refs[m.Address]++
	sess.refs[m.Address]++

	files := []*os.File{file}
	if m.NeedContainer {
		if container := s.backend.ContainerFile(); container != nil {
			files = append(files, container)
		}
	}
	s.log.Debugf("%s opened %s (refs %d)", sess, m.Address, s.refs[m.Address])
	return &OpenDeviceReply{
		Success:   true,
		IOMMUType: s.backend.IOMMUType(),
		Groups:    s.backend.GroupNames(),
		Token:     s.backend.ContainerToken(),
	}, files
}

func (s *Server) closeDevice(sess *session, m *CloseDeviceRequest) *CloseDeviceReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.refs[m.Address] == 0 {
		return &CloseDeviceReply{Error: fmt.Sprintf("%s is not open by this client", m.Address)}
	}
	if err := s.release(sess, m.Address); err != nil {
		return &CloseDeviceReply{Error: err.Error()}
	}
	return &CloseDeviceReply{Success: true}
}

// release drops one reference of sess on addr. Must be called with s.mu held.
func (s *Server) release(sess *session, addr pci.Address) error {
	sess.refs[addr]--
	if sess.refs[addr] == 0 {
		delete(sess.refs, addr)
	}
	s.refs[addr]--
	if s.refs[addr] > 0 {
		return nil
	}
	delete(s.refs, addr)
	s.log.Debugf("last reference to %s dropped", addr)
	if err := s.backend.ReleaseShared(addr); err != nil {
		return fmt.Errorf("failed to release %s: %w", addr, err)
	}
	return nil
}

func (s *Server) allocator(token uint64) (*iova.Allocator, error) {
	if token != s.backend.ContainerToken() {
		return nil, fmt.Errorf("unknown container token %#x", token)
	}
	alloc := s.backend.IOVA()
	if alloc == nil {
		return nil, errors.New("container has no IOMMU")
	}
	return alloc, nil
}

func (s *Server) allocateIOVA(sess *session, m *AllocateIOVARequest) *AllocateIOVAReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, err := s.allocator(m.Token)
	if err != nil {
		return &AllocateIOVAReply{Error: err.Error()}
	}
	r, err := alloc.Allocate(m.Size, m.Align, m.Capability)
	if err != nil {
		return &AllocateIOVAReply{Error: err.Error(), NoSpace: errors.Is(err, iova.ErrNoIOVASpace)}
	}
	sess.iova[r] = struct{}{}
	return &AllocateIOVAReply{Success: true, Range: r}
}

func (s *Server) freeIOVA(sess *session, m *FreeIOVARequest) *FreeIOVAReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, err := s.allocator(m.Token)
	if err != nil {
		return &FreeIOVAReply{Error: err.Error()}
	}
	if _, ok := sess.iova[m.Range]; !ok {
		return &FreeIOVAReply{Error: fmt.Sprintf("IOVA %s was not granted to this client", m.Range)}
	}
	if err := alloc.Free(m.Range); err != nil {
		return &FreeIOVAReply{Error: err.Error()}
	}
	delete(sess.iova, m.Range)
	return &FreeIOVAReply{Success: true}
}

// grant tells the next queued client it holds exclusive access.
func (s *Server) grant(next *session) {
	if next == nil {
		return
	}
	if err := next.conn.Send(&ExclusiveAllowed{}); err != nil {
		// its own goroutine sees the broken connection and hands the
		// claim on
		s.log.Warnf("%s: failed to grant exclusive access: %v", next, err)
		_ = next.conn.Close()
	}
}

// disconnect releases everything sess still holds.
func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	delete(s.clients, sess)
	next := s.arbiter.remove(sess)

	for addr, n := range sess.refs {
		for i := 0; i < n; i++ {
			if err := s.release(sess, addr); err != nil {
				s.log.Warnf("%s: %v", sess, err)
			}
		}
	}
	reclaimed := 0
	if alloc, err := s.allocator(s.backend.ContainerToken()); err == nil {
		for r := range sess.iova {
			if err := alloc.Free(r); err != nil {
				s.log.Warnf("%s: failed to reclaim IOVA %s: %v", sess, r, err)
				continue
			}
			reclaimed++
		}
	}
	sess.iova = nil
	s.mu.Unlock()

	if reclaimed > 0 {
		s.log.Infof("%s disconnected; reclaimed %d IOVA ranges", sess, reclaimed)
	} else {
		s.log.Debugf("%s disconnected", sess)
	}
	_ = sess.conn.Close()
	s.grant(next)
}
