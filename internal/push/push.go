// Package push implements near-real-time delivery: one WebSocket
// connection bound to one subscriber DID, a bounded per-DID queue with
// oldest-first drop under backpressure, and at-least-once delivery
// semantics (the mailbox copy stays authoritative).
package push

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// DefaultQueueSize is the bounded per-DID queue depth.
const DefaultQueueSize = 1000

// Message is one push-delivered envelope notification.
type Message struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

// connection is one subscriber's live duplex channel plus its bounded
// outbound queue.
type connection struct {
	did   string
	queue chan Message
	done  chan struct{}
}

// Hub tracks the live connection for each subscribed DID and fans out
// Send calls to it. A DID with no live connection simply has no entry;
// Send on an absent DID is a no-op (the mailbox copy remains
// authoritative).
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection
	queueSize   int
	onDrop      func(did string)
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*connection),
		queueSize:   DefaultQueueSize,
	}
}

// WithQueueSize overrides the bounded queue depth, for tests.
func (h *Hub) WithQueueSize(n int) *Hub {
	h.queueSize = n
	return h
}

// WithDropHook registers a callback fired whenever Send drops a queued
// message to make room under backpressure, so the composition root can
// wire it to a metrics counter (observability.Provider.RecordPushDropped).
func (h *Hub) WithDropHook(onDrop func(did string)) *Hub {
	h.onDrop = onDrop
	return h
}

// Register binds did to a fresh outbound queue, replacing any prior
// connection for the same DID (a reconnect supersedes the stale one).
func (h *Hub) Register(did string) (*connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.connections[did]; ok {
		close(prev.done)
	}
	conn := &connection{
		did:   did,
		queue: make(chan Message, h.queueSize),
		done:  make(chan struct{}),
	}
	h.connections[did] = conn
	return conn, true
}

// Unregister removes did's connection if it is still the current one
// (guards against a stale Unregister racing a newer Register).
func (h *Hub) Unregister(did string, conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.connections[did]; ok && cur == conn {
		delete(h.connections, did)
	}
}

// IsConnected reports whether did currently has a live connection.
func (h *Hub) IsConnected(did string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[did]
	return ok
}

// Send enqueues msg for did's live connection, best-effort. If the
// queue is full, the oldest queued message is dropped to make room.
// Returns true if delivery was attempted (a connection existed), false
// if did has no live connection.
func (h *Hub) Send(did string, msg Message) bool {
	h.mu.RLock()
	conn, ok := h.connections[did]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	for {
		select {
		case conn.queue <- msg:
			return true
		default:
			select {
			case <-conn.queue:
				if h.onDrop != nil {
					h.onDrop(did)
				}
			default:
			}
		}
	}
}

// Conn exposes the connection's outbound queue and lifetime signal to
// the transport layer (internal/api's /ws handler), without leaking the
// Hub's internal bookkeeping.
type Conn struct {
	did   string
	queue <-chan Message
	done  <-chan struct{}
}

// Conn adapts a registered connection for use by the transport layer.
func (c *connection) Conn() *Conn {
	return &Conn{did: c.did, queue: c.queue, done: c.done}
}

func (c *Conn) DID() string              { return c.did }
func (c *Conn) Messages() <-chan Message { return c.queue }
func (c *Conn) Done() <-chan struct{}    { return c.done }

// upgrader is shared across connections; CheckOrigin is left to the
// composition root to override per deployment (e.g. an allowlist).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrader exposes the shared websocket.Upgrader so internal/api's /ws
// handler can override CheckOrigin without this package importing
// net/http handler wiring directly.
func Upgrader() *websocket.Upgrader {
	return &upgrader
}
