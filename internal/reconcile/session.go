// Package reconcile implements the pairwise reconciliation protocol: two
// RPC methods (test, submit) exchanged over a length-prefixed JSON stream,
// plus the client loop that drains a node's inventory cursor against a
// peer and the intent-driven wake-up that re-triggers it.
package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/pkg/logging"
)

// ErrSessionClosed is returned by Test/Submit once the session has torn
// down.
var ErrSessionClosed = errors.New("reconcile: session closed")

// Handler supplies the inventory-backed behavior a Session serves to its
// peer: whether a hash exists, and how to admit a submitted message.
type Handler interface {
	MessageExists(h hashpow.Hash) bool
	// Submit verifies PoW and inserts msg, returning whether it was newly
	// admitted. Errors here are per-message, not per-connection: a bad
	// submission is acknowledged to the peer without an error and does not
	// tear down the session.
	Submit(msg inventory.Message) (inserted bool, err error)
}

// Session wraps one reconciliation connection. A Session both serves
// inbound test/submit requests from its peer (via Handler) and lets the
// caller issue outbound test/submit requests driving the client loop.
type Session struct {
	conn net.Conn
	log  *logging.Logger
	h    Handler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan frame
	nextID    uint64

	closed   atomic.Bool
	closeCh  chan struct{}
	closeErr error
	closeMu  sync.Mutex
}

// NewSession wraps conn as a reconciliation session serving h.
func NewSession(conn net.Conn, h Handler, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		conn:    conn,
		log:     logger.Component("reconcile"),
		h:       h,
		pending: make(map[uint64]chan frame),
		closeCh: make(chan struct{}),
	}
}

// Run reads frames until the connection fails or Close is called. It must
// be started in its own goroutine; it returns the terminal error (nil on a
// clean Close).
func (s *Session) Run() error {
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			wasClosed := s.closed.Load()
			s.terminate(err)
			if wasClosed || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch f.Kind {
		case kindTestResponse, kindSubmitResponse:
			s.deliver(f)
		case kindTestRequest:
			go s.serveTest(f)
		case kindSubmitRequest:
			go s.serveSubmit(f)
		default:
			s.log.Warn("dropping frame with unknown kind", "kind", f.Kind)
		}
	}
}

func (s *Session) closeErrOrNil(readErr error) error {
	if s.closed.Load() {
		return nil
	}
	return readErr
}

func (s *Session) serveTest(f frame) {
	hashBytes, err := hex.DecodeString(f.Hash)
	if err != nil || len(hashBytes) != len(hashpow.Hash{}) {
		s.log.Warn("malformed test request", "err", err)
		return
	}
	var h hashpow.Hash
	copy(h[:], hashBytes)

	exists := s.h.MessageExists(h)
	_ = s.send(frame{ID: f.ID, Kind: kindTestResponse, Exists: exists})
}

func (s *Session) serveSubmit(f frame) {
	if f.Message == nil {
		s.ackSubmit(f.ID, "missing message")
		return
	}
	msg := inventory.Message{
		Payload:        f.Message.Payload,
		Nonce:          f.Message.Nonce,
		ExpirationTime: f.Message.ExpirationTime,
	}
	// Invalid PoW or already-present messages are silently dropped per the
	// failure model: the peer is never penalized, just not acknowledged
	// with an error.
	if _, err := s.h.Submit(msg); err != nil {
		s.log.Debug("submit rejected", "err", err)
	}
	s.ackSubmit(f.ID, "")
}

func (s *Session) ackSubmit(id uint64, errMsg string) {
	_ = s.send(frame{ID: id, Kind: kindSubmitResponse, Err: errMsg})
}

func (s *Session) deliver(f frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (s *Session) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, f)
}

func (s *Session) request(ctx context.Context, f frame) (frame, error) {
	ch := make(chan frame, 1)
	s.pendingMu.Lock()
	s.nextID++
	f.ID = s.nextID
	s.pending[f.ID] = ch
	s.pendingMu.Unlock()

	if err := s.send(f); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, f.ID)
		s.pendingMu.Unlock()
		return frame{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-s.closeCh:
		return frame{}, ErrSessionClosed
	}
}

// Test asks the peer whether it already holds h.
func (s *Session) Test(ctx context.Context, h hashpow.Hash) (bool, error) {
	resp, err := s.request(ctx, frame{Kind: kindTestRequest, Hash: hex.EncodeToString(h[:])})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Submit offers msg to the peer.
func (s *Session) Submit(ctx context.Context, msg inventory.Message) error {
	resp, err := s.request(ctx, frame{
		Kind: kindSubmitRequest,
		Message: &wireMessage{
			Payload:        msg.Payload,
			Nonce:          msg.Nonce,
			ExpirationTime: msg.ExpirationTime,
		},
	})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("reconcile: submit rejected: %s", resp.Err)
	}
	return nil
}

// Done returns a channel closed when the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

// Close tears down the session's connection.
func (s *Session) Close() error {
	s.terminate(nil)
	return s.conn.Close()
}

func (s *Session) terminate(err error) {
	if s.closed.CompareAndSwap(false, true) {
		s.closeMu.Lock()
		s.closeErr = err
		s.closeMu.Unlock()
		close(s.closeCh)
		s.conn.Close()
	}
}
