// Package inventory implements the append-mostly PoW-gated message store:
// a SQLite-backed table of (hash -> message) plus four in-memory indices,
// with a periodic expiry sweep and a mutation stream consumed by the
// frontend state deriver.
package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/pkg/logging"
)

// Message is the on-disk/wire representation of an inventory item.
type Message struct {
	Payload        []byte
	Nonce          int64
	ExpirationTime int64
}

// MutationKind distinguishes the two events the engine publishes.
type MutationKind int

const (
	// MutationInsert announces that hash is newly present in inventory.
	MutationInsert MutationKind = iota
	// MutationPurge announces that hash has expired and been removed.
	MutationPurge
)

// Mutation is one event on the engine's mutation stream.
type Mutation struct {
	Kind MutationKind
	Hash hashpow.Hash
}

// Engine owns the SQLite-backed message table and its four in-memory
// indices. The index maps are guarded by mu; DB writes are serialized onto
// a single dedicated goroutine so no statement overlaps another on the
// connection.
type Engine struct {
	db    *sql.DB
	clock clock.Clock
	log   *logging.Logger

	mu                 sync.RWMutex
	counterToHash      map[uint64]hashpow.Hash
	hashToCounter      map[hashpow.Hash]uint64
	hashToExpiration   map[hashpow.Hash]int64
	expirationToHashes map[int64]map[hashpow.Hash]struct{}
	nextCounter        uint64
	orderedCounters    []uint64 // sorted ascending, kept for GetOneAfterCounter

	writeCh chan writeRequest // capacity 1: serializes all DB mutation

	mutSubsMu sync.Mutex
	mutSubs   []chan Mutation

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type writeRequest struct {
	fn   func() error
	done chan error
}

// Config configures a new Engine.
type Config struct {
	// Path is the SQLite database file path (supports a leading ~).
	Path string
	// Clock supplies the wall clock; tests inject clock.NewMock().
	Clock clock.Clock
	// SweepInterval is not read by New; the expiry sweep always runs once
	// per second of Clock.
	SweepInterval int64 // nanoseconds
	Logger        *logging.Logger
}

// New opens or creates the inventory database at cfg.Path, populates the
// in-memory indices from it, and starts the write-serializing goroutine and
// the expiry sweep loop.
func New(cfg Config) (*Engine, error) {
	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	e := &Engine{
		db:                 db,
		clock:              clk,
		log:                logger.Component("inventory"),
		counterToHash:      make(map[uint64]hashpow.Hash),
		hashToCounter:      make(map[hashpow.Hash]uint64),
		hashToExpiration:   make(map[hashpow.Hash]int64),
		expirationToHashes: make(map[int64]map[hashpow.Hash]struct{}),
		nextCounter:        1,
		writeCh:            make(chan writeRequest, 1),
		stopCh:             make(chan struct{}),
	}

	if err := e.populate(); err != nil {
		db.Close()
		return nil, err
	}

	e.wg.Add(2)
	go e.writeLoop()
	go e.sweepLoop()

	return e, nil
}

// Close stops the background loops and closes the database.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return e.db.Close()
}

// Subscribe returns a channel of mutation events. The channel has a small
// buffer; a slow subscriber does not block inserts (mutations are dropped
// for that subscriber if its buffer is full, matching the "advisory
// wake-up" character of the rest of the notification fabric).
func (e *Engine) Subscribe() <-chan Mutation {
	ch := make(chan Mutation, 64)
	e.mutSubsMu.Lock()
	e.mutSubs = append(e.mutSubs, ch)
	e.mutSubsMu.Unlock()
	return ch
}

func (e *Engine) publish(m Mutation) {
	e.mutSubsMu.Lock()
	defer e.mutSubsMu.Unlock()
	for _, ch := range e.mutSubs {
		select {
		case ch <- m:
		default:
			e.log.Warn("mutation subscriber is not keeping up, dropping event", "kind", m.Kind)
		}
	}
}

// populate scans the messages table in rowid order and assigns counters in
// that order, matching the original insertion order across restarts.
func (e *Engine) populate() error {
	rows, err := e.db.Query(`SELECT hash, expiration_time FROM messages ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("inventory: populate: %w", err)
	}
	defer rows.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	for rows.Next() {
		var hashBytes []byte
		var expiration int64
		if err := rows.Scan(&hashBytes, &expiration); err != nil {
			return fmt.Errorf("inventory: populate scan: %w", err)
		}
		var h hashpow.Hash
		copy(h[:], hashBytes)

		counter := e.nextCounter
		e.nextCounter++

		e.counterToHash[counter] = h
		e.hashToCounter[h] = counter
		e.hashToExpiration[h] = expiration
		if e.expirationToHashes[expiration] == nil {
			e.expirationToHashes[expiration] = make(map[hashpow.Hash]struct{})
		}
		e.expirationToHashes[expiration][h] = struct{}{}
		e.orderedCounters = append(e.orderedCounters, counter)
	}
	return rows.Err()
}

// Insert verifies PoW, and if the hash is not already present, writes it to
// disk, installs it into the in-memory indices, and publishes
// Mutation{Insert}. It returns inserted=false (not an error) if the hash
// already exists: re-insertion is idempotent for the mutation stream.
func (e *Engine) Insert(msg Message) (inserted bool, err error) {
	if !hashpow.Verify(msg.Payload, msg.Nonce, msg.ExpirationTime, e.clock.Now().Unix()) {
		return false, ErrInvalidProofOfWork
	}

	h := hashpow.ContentHash(msg.Payload, msg.ExpirationTime)

	// e.mu is held across counter assignment, the serialized DB write, and
	// the in-memory install so that two concurrent Inserts can never have
	// their orderedCounters append happen out of order relative to their
	// counter assignment: GetOneAfterCounter's binary search requires
	// orderedCounters to stay sorted ascending at every observable instant.
	e.mu.Lock()
	if _, exists := e.hashToCounter[h]; exists {
		e.mu.Unlock()
		return false, nil
	}
	counter := e.nextCounter
	e.nextCounter++

	writeErr := e.doWrite(func() error {
		_, err := e.db.Exec(
			`INSERT INTO messages (hash, payload, nonce, expiration_time) VALUES (?, ?, ?, ?)`,
			h[:], msg.Payload, msg.Nonce, msg.ExpirationTime,
		)
		return err
	})
	if writeErr != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("inventory: insert: %w", writeErr)
	}

	e.counterToHash[counter] = h
	e.hashToCounter[h] = counter
	e.hashToExpiration[h] = msg.ExpirationTime
	if e.expirationToHashes[msg.ExpirationTime] == nil {
		e.expirationToHashes[msg.ExpirationTime] = make(map[hashpow.Hash]struct{})
	}
	e.expirationToHashes[msg.ExpirationTime][h] = struct{}{}
	e.orderedCounters = append(e.orderedCounters, counter)
	e.mu.Unlock()

	e.publish(Mutation{Kind: MutationInsert, Hash: h})
	return true, nil
}

// doWrite serializes fn onto the engine's write goroutine.
func (e *Engine) doWrite(fn func() error) error {
	req := writeRequest{fn: fn, done: make(chan error, 1)}
	select {
	case e.writeCh <- req:
	case <-e.stopCh:
		return ErrEngineClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-e.stopCh:
		return ErrEngineClosed
	}
}

func (e *Engine) writeLoop() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.writeCh:
			req.done <- req.fn()
		case <-e.stopCh:
			return
		}
	}
}

// GetOneAfterCounter returns the next (hash, counter) strictly greater than
// cursor, or ok=false if the cursor has caught up with everything currently
// in memory.
func (e *Engine) GetOneAfterCounter(cursor uint64) (h hashpow.Hash, counter uint64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// orderedCounters stays sorted: inserts append increasing counters and
	// the sweep only removes entries. A binary search finds the first
	// counter past cursor.
	idx := sortSearch(e.orderedCounters, cursor)
	if idx >= len(e.orderedCounters) {
		return h, 0, false
	}
	c := e.orderedCounters[idx]
	return e.counterToHash[c], c, true
}

// sortSearch returns the index of the first element strictly greater than
// cursor in the sorted slice s.
func sortSearch(s []uint64, cursor uint64) int {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		if s[mid] <= cursor {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// MessageExists reports whether hash is currently present in inventory.
func (e *Engine) MessageExists(h hashpow.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.hashToCounter[h]
	return ok
}

// GetExpirationTime returns the expiration time for hash, if present.
func (e *Engine) GetExpirationTime(h hashpow.Hash) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.hashToExpiration[h]
	return t, ok
}

// GetMessage fetches the full message for hash from disk.
func (e *Engine) GetMessage(ctx context.Context, h hashpow.Hash) (*Message, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT payload, nonce, expiration_time FROM messages WHERE hash = ?`, h[:])
	var m Message
	if err := row.Scan(&m.Payload, &m.Nonce, &m.ExpirationTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("inventory: get message: %w", err)
	}
	return &m, nil
}

// sweepLoop purges expired entries once per second of the engine's clock.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepOnce()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepOnce() {
	now := e.clock.Now().Unix()

	e.mu.Lock()
	var expiredHashes []hashpow.Hash
	var expiredTimes []int64
	for t, hashes := range e.expirationToHashes {
		if t > now {
			continue
		}
		expiredTimes = append(expiredTimes, t)
		for h := range hashes {
			expiredHashes = append(expiredHashes, h)
		}
	}
	for _, t := range expiredTimes {
		delete(e.expirationToHashes, t)
	}
	expiredCounters := make(map[uint64]struct{}, len(expiredHashes))
	for _, h := range expiredHashes {
		delete(e.hashToExpiration, h)
		if c, ok := e.hashToCounter[h]; ok {
			delete(e.hashToCounter, h)
			delete(e.counterToHash, c)
			expiredCounters[c] = struct{}{}
		}
	}
	if len(expiredCounters) > 0 {
		kept := e.orderedCounters[:0]
		for _, c := range e.orderedCounters {
			if _, gone := expiredCounters[c]; !gone {
				kept = append(kept, c)
			}
		}
		e.orderedCounters = kept
	}
	e.mu.Unlock()

	if len(expiredHashes) == 0 {
		return
	}

	for _, h := range expiredHashes {
		if err := e.doWrite(func() error {
			_, err := e.db.Exec(`DELETE FROM messages WHERE hash = ?`, h[:])
			return err
		}); err != nil {
			e.log.Error("failed to delete expired message", "hash", h.String(), "err", err)
			continue
		}
		e.publish(Mutation{Kind: MutationPurge, Hash: h})
	}
}
