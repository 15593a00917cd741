// Package conn implements the connection supervisor: it accepts inbound
// reconciliation streams on TCP and Unix-domain sockets and dials outbound
// addresses on demand, wiring each stream to a reconciliation session.
package conn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/internal/reconcile"
	"github.com/meshpost/meshpost/pkg/logging"
)

// Callbacks are reported per outbound connection. Inbound stream failures
// are only logged, matching the asymmetry between a caller who is waiting
// on a specific dial and a listener accepting anonymous peers.
type Callbacks struct {
	OnConnectionFailed func(address string, err error)
	OnReconcileFailed  func(address string, err error)
	OnConnectionSevered func(address string)
}

// Source is the subset of the inventory engine the client loop needs.
type Source = reconcile.Source

// Supervisor owns the listeners and outbound dial/serve wiring for one
// node's reconciliation traffic.
type Supervisor struct {
	handler  reconcile.Handler
	source   Source
	registry *intent.Registry
	log      *logging.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup

	stopCh chan struct{}
}

// New creates a Supervisor. handler serves inbound test/submit requests
// against the local node's inventory; source and registry drive the
// client loop on every connection (inbound and outbound alike, since
// reconciliation is symmetric once a stream is open).
func New(handler reconcile.Handler, source Source, registry *intent.Registry, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		handler:  handler,
		source:   source,
		registry: registry,
		log:      logger.Component("conn"),
		stopCh:   make(chan struct{}),
	}
}

// ListenTCP starts accepting inbound TCP connections on addr (host:port).
func (s *Supervisor) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("conn: listen tcp %s: %w", addr, err)
	}
	s.trackListener(ln)
	s.wg.Add(1)
	go s.acceptLoop(ln, "tcp")
	return nil
}

// ListenUnix starts accepting inbound connections on the Unix-domain
// socket path.
func (s *Supervisor) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("conn: listen unix %s: %w", path, err)
	}
	s.trackListener(ln)
	s.wg.Add(1)
	go s.acceptLoop(ln, "unix")
	return nil
}

func (s *Supervisor) trackListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Supervisor) acceptLoop(ln net.Listener, network string) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("accept failed", "network", network, "err", err)
				return
			}
		}
		if tcpConn, ok := c.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Supervisor) serve(c net.Conn) {
	defer s.wg.Done()
	id := uuid.New().String()
	log := s.log.With("conn", id, "remote", c.RemoteAddr().String())

	session := reconcile.NewSession(c, s.handler, s.log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconcile.RunClientLoop(ctx, session, s.source, s.registry, s.log)

	if err := session.Run(); err != nil {
		log.Warn("inbound reconciliation session ended with error", "err", err)
		return
	}
	log.Info("inbound reconciliation session closed")
}

// Connect dials address and runs a reconciliation session over it,
// reporting results through cb. It returns immediately; the session runs
// in the background until the connection fails or closes.
func (s *Supervisor) Connect(address string, cb Callbacks) {
	go func() {
		s.log.Info("connecting", "address", address)
		network := "tcp"
		if strings.HasPrefix(address, "/") || strings.HasPrefix(address, "unix:") {
			network = "unix"
			address = strings.TrimPrefix(address, "unix:")
		}

		c, err := net.Dial(network, address)
		if err != nil {
			if cb.OnConnectionFailed != nil {
				cb.OnConnectionFailed(address, err)
			}
			return
		}
		if tcpConn, ok := c.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		session := reconcile.NewSession(c, s.handler, s.log)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go reconcile.RunClientLoop(ctx, session, s.source, s.registry, s.log)

		if err := session.Run(); err != nil {
			if cb.OnReconcileFailed != nil {
				cb.OnReconcileFailed(address, err)
			}
			return
		}
		if cb.OnConnectionSevered != nil {
			cb.OnConnectionSevered(address)
		}
	}()
}

// Stop closes every listener and waits for in-flight accept loops to exit.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
