// Package control implements the daemon's control surface: a line-oriented
// stdio channel carrying base64-encoded JSON commands and events, plus an
// optional websocket mirror of the event stream. It is a thin wrapper
// around the state deriver and inventory engine, not a second source of
// truth.
package control

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/meshpost/meshpost/internal/deriver"
	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/pkg/logging"
)

// Handler processes one command's params and returns the data to answer
// with, or an error to report back to the caller.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Adapter owns the stdio command dispatch table and the event-forwarding
// loop from the deriver to both stdio and any attached websocket clients.
type Adapter struct {
	deriver  *deriver.Deriver
	inv      *inventory.Engine
	log      *logging.Logger
	handlers map[string]Handler

	wsHub *Hub

	writeMu sync.Mutex
	out     io.Writer
}

// New creates an Adapter wired to d and inv. wsHub may be nil to disable
// the websocket mirror.
func New(d *deriver.Deriver, inv *inventory.Engine, wsHub *Hub, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	a := &Adapter{
		deriver:  d,
		inv:      inv,
		log:      logger.Component("control"),
		handlers: make(map[string]Handler),
		wsHub:    wsHub,
	}
	a.registerHandlers()
	return a
}

// Run reads commands from r and writes answers and events to w until r is
// exhausted or returns an error. Cancelling ctx stops event forwarding and
// is passed to command handlers; it does not interrupt a pending read from
// r. Each command line is dispatched concurrently; responses may arrive out
// of order relative to requests, matching the command id the caller
// supplied.
func (a *Adapter) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	a.out = w

	events := a.deriver.Subscribe()
	fwdCtx, stopForwarding := context.WithCancel(ctx)
	defer stopForwarding()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.forwardEvents(fwdCtx, events)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)

	var cmdWg sync.WaitGroup
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cmdWg.Add(1)
		go func(line string) {
			defer cmdWg.Done()
			a.dispatchLine(ctx, line)
		}(line)
	}
	cmdWg.Wait()

	err := scanner.Err()
	stopForwarding()
	wg.Wait()
	return err
}

func (a *Adapter) dispatchLine(ctx context.Context, line string) {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		a.log.Warn("dropping malformed control line", "err", err)
		return
	}

	var req inbound
	if err := json.Unmarshal(raw, &req); err != nil {
		a.log.Warn("dropping unparseable command", "err", err)
		return
	}

	handler, ok := a.handlers[req.Command]
	if !ok {
		a.writeOutbound(outbound{Type: "error", ID: req.ID, Command: req.Command, Error: "unknown command"})
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		a.writeOutbound(outbound{Type: "error", ID: req.ID, Command: req.Command, Error: err.Error()})
		return
	}
	a.writeOutbound(outbound{Type: "answer", ID: req.ID, Command: req.Command, Data: result})
}

func (a *Adapter) writeOutbound(o outbound) {
	data, err := json.Marshal(o)
	if err != nil {
		a.log.Error("failed to marshal outbound message", "err", err)
		return
	}
	line := base64.StdEncoding.EncodeToString(data)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprintln(a.out, line)
}

func toGlobalID(b []byte) deriver.GlobalID {
	var id deriver.GlobalID
	copy(id[:], b)
	return id
}

func toHash(b []byte) (hashpow.Hash, error) {
	var h hashpow.Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("control: expected %d-byte hash, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
