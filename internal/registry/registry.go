// Package registry is the routing fabric: a server-owned map from
// ClientId to that client's inbound queue, plus one server-wide control
// queue. Grounded on portal/lease.go (mutex-protected map) and
// portal/reverse_hub.go (per-key buffered channel as the queue
// primitive).
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/message"
)

// InboundQueueSize bounds how many undelivered messages may sit in one
// client's inbound queue; Deliver drops messages for a full queue
// rather than blocking. Per-sender FIFO
// ordering only requires a queue, not unbounded memory, and an
// unbounded queue would let one wedged client exhaust memory.
const InboundQueueSize = 256

// InboundQueue is a per-client FIFO of messages awaiting delivery.
type InboundQueue chan message.Message

// Registry is the shared routing table. It's an owned value passed to
// each handler rather than a package-level global, so multiple servers
// can run in-process without sharing routing state.
type Registry struct {
	mu      sync.RWMutex
	clients map[identity.ClientId]InboundQueue

	serverQueue InboundQueue

	routed  atomic.Int64
	dropped atomic.Int64
}

// New creates an empty Registry with its server-wide control queue.
func New() *Registry {
	return &Registry{
		clients:     make(map[identity.ClientId]InboundQueue),
		serverQueue: make(InboundQueue, InboundQueueSize),
	}
}

// Register atomically creates a fresh queue for id and installs it,
// replacing any prior entry unconditionally. Duplicate-connection
// rejection is the caller's responsibility (the server checks its own
// handler table before constructing a new one); Register itself never
// refuses.
func (r *Registry) Register(id identity.ClientId) InboundQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := make(InboundQueue, InboundQueueSize)
	r.clients[id] = q
	log.Debug().Str("client_id", id.String()).Msg("[Registry] registered")
	return q
}

// Deregister removes id's queue, if any.
func (r *Registry) Deregister(id identity.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, id)
	log.Debug().Str("client_id", id.String()).Msg("[Registry] deregistered")
}

// Get returns id's inbound queue, or ok=false if id is not currently
// registered (disconnected or never connected).
func (r *Registry) Get(id identity.ClientId) (InboundQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.clients[id]
	return q, ok
}

// ServerQueue returns the server-wide S2S control queue handlers use
// to report DONE when they finish.
func (r *Registry) ServerQueue() InboundQueue {
	return r.serverQueue
}

// Deliver routes msg to recipient's inbound queue if one is registered,
// non-blocking. A routing miss or a full queue is dropped per the
// spec's lossy C2C semantics; both are counted for Stats.
func (r *Registry) Deliver(recipient identity.ClientId, msg message.Message) bool {
	q, ok := r.Get(recipient)
	if !ok {
		r.dropped.Add(1)
		return false
	}
	select {
	case q <- msg:
		r.routed.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Stats is a point-in-time snapshot of routing activity, exposed for
// tests and any future admin surface.
type Stats struct {
	ActiveClients int
	Routed        int64
	Dropped       int64
}

// Stats returns a snapshot of the registry's counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		ActiveClients: len(r.clients),
		Routed:        r.routed.Load(),
		Dropped:       r.dropped.Load(),
	}
}
