// Package handler implements the per-connection client handler: a pair
// of cooperating goroutines (socket reader, queue reader) that bridge
// an authenticated socket to the client's inbound queue, enforce the
// heartbeat timeout, and coordinate shutdown through one stop channel.
// Grounded on sdk/listener.go's worker-goroutine shape (stopCh,
// ticker-driven polling, wg.Add/Done) and on
// portal/core/cryptoops/handshaker.go's writeMu-guarded socket writes.
package handler

import (
	"crypto/rsa"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/message"
	"github.com/backbone-project/backbone/internal/registry"
	"github.com/backbone-project/backbone/internal/wire"
)

// pollInterval bounds every blocking operation inside a handler so the
// stop channel is observed within about a second of a read or queue pop
// starting.
const pollInterval = time.Second

// Package-wide atomic counters, mirroring registry.Registry's Stats in
// shape: every Handler instance contributes to the same three gauges so
// a supervisor can read handler-side activity without holding a
// reference to every live Handler.
var (
	connectionsActive atomic.Int64
	messagesRouted    atomic.Int64
	messagesDropped   atomic.Int64
)

// Stats is a point-in-time snapshot of handler-side activity across
// every connection, exposed for tests and any future admin surface.
type Stats struct {
	ConnectionsActive int64
	MessagesRouted    int64
	MessagesDropped   int64
}

// CollectStats returns a snapshot of the package-wide handler counters.
func CollectStats() Stats {
	return Stats{
		ConnectionsActive: connectionsActive.Load(),
		MessagesRouted:    messagesRouted.Load(),
		MessagesDropped:   messagesDropped.Load(),
	}
}

// Handler mediates between one authenticated socket and the routing
// registry. Session state is unexported; callers only see Start/Stop/Done.
type Handler struct {
	peer       identity.Identity
	conn       net.Conn
	serverPriv *rsa.PrivateKey
	reg        *registry.Registry
	inbound    registry.InboundQueue
	settings   config.Settings

	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once

	lastActivity atomic.Int64 // unix nanoseconds

	wg   sync.WaitGroup
	done chan struct{}
}

// New constructs a handler for an authenticated connection. inbound must
// be the queue already registered for peer.ClientID. serverPriv decrypts
// frames arriving from the client, which encrypts to the server's public
// key.
func New(conn net.Conn, peer identity.Identity, serverPriv *rsa.PrivateKey, reg *registry.Registry, inbound registry.InboundQueue, settings config.Settings) *Handler {
	h := &Handler{
		peer:       peer,
		conn:       conn,
		serverPriv: serverPriv,
		reg:        reg,
		inbound:    inbound,
		settings:   settings,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.lastActivity.Store(time.Now().UnixNano())
	connectionsActive.Add(1)
	return h
}

// Start launches the socket-reader and queue-reader workers and a
// supervisor goroutine that reports S2S(DONE) once both have exited.
func (h *Handler) Start() {
	h.wg.Add(2)
	go h.socketReader()
	go h.queueReader()
	go h.awaitShutdown()
}

// Stop requests a graceful shutdown. Safe to call multiple times and
// from either worker.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Done closes once both workers have exited and S2S(DONE) has been
// reported. Useful for tests that need to observe full teardown.
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) stopping() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

func (h *Handler) awaitShutdown() {
	h.wg.Wait()
	connectionsActive.Add(-1)
	h.reportDone()
	close(h.done)
}

// reportDone pushes S2S(DONE) onto the server queue, non-blocking; a
// full queue just drops it, matching the lossy semantics used
// everywhere else in the registry.
func (h *Handler) reportDone() {
	serverQueue := h.reg.ServerQueue()
	done := message.NewS2S(message.S2SDone, time.Now(), h.peer.ClientID.Bytes())
	select {
	case serverQueue <- done:
	default:
		log.Warn().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] server queue full, DONE dropped")
	}
}

func (h *Handler) socketReader() {
	defer h.wg.Done()
	defer h.sendStopNotice()

	for {
		if h.stopping() {
			return
		}

		if err := h.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			h.Stop()
			return
		}

		plaintext, err := wire.Read(h.conn, h.serverPriv)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(h.activityTime()) > h.settings.HeartbeatTimeout {
					log.Info().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] heartbeat timeout")
					h.Stop()
					return
				}
				continue
			}
			log.Debug().Str("client_id", h.peer.ClientID.String()).Err(err).Msg("[Handler] socket read error")
			h.Stop()
			return
		}

		h.lastActivity.Store(time.Now().UnixNano())
		if plaintext == nil {
			continue
		}

		h.handleFrame(plaintext)
	}
}

func (h *Handler) handleFrame(plaintext []byte) {
	msg, ok := message.FromBytes(plaintext)
	if !ok {
		messagesDropped.Add(1)
		log.Debug().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] dropped unparseable frame")
		return
	}

	switch msg.Format {
	case message.FormatC2C:
		if h.reg.Deliver(msg.Recipient, msg) {
			messagesRouted.Add(1)
		} else {
			messagesDropped.Add(1)
			log.Debug().
				Str("from", h.peer.ClientID.String()).
				Str("to", msg.Recipient.String()).
				Msg("[Handler] routing miss, dropped")
		}
	case message.FormatC2S:
		switch message.C2SType(msg.Type) {
		case message.C2SHeartbeat:
			// lastActivity already credited above.
		case message.C2SStop:
			h.Stop()
		default:
			messagesDropped.Add(1)
			log.Debug().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] dropped unknown C2S type")
		}
	case message.FormatS2S:
		messagesDropped.Add(1)
		log.Debug().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] dropped S2S on socket path")
	}
}

func (h *Handler) activityTime() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// sendStopNotice best-effort notifies the client of a server-initiated
// teardown so it can distinguish a graceful close from a network
// failure, then closes the socket.
func (h *Handler) sendStopNotice() {
	notice := message.NewC2S(message.C2SStop, time.Now(), []byte("handler stopping"))
	h.writeMu.Lock()
	_ = wire.Send(h.conn, notice.ToBytes(), nil)
	h.writeMu.Unlock()
	_ = h.conn.Close()
}

func (h *Handler) queueReader() {
	defer h.wg.Done()
	defer func() {
		h.reg.Deregister(h.peer.ClientID)
		h.Stop()
	}()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)

		select {
		case <-h.stopCh:
			return
		case msg := <-h.inbound:
			h.deliverToSocket(msg)
		case <-timer.C:
			if h.stopping() {
				return
			}
		}
	}
}

func (h *Handler) deliverToSocket(msg message.Message) {
	if msg.IsS2S() && message.S2SType(msg.Type) == message.S2SStop {
		h.Stop()
		return
	}
	if !msg.IsC2C() {
		messagesDropped.Add(1)
		log.Debug().Str("client_id", h.peer.ClientID.String()).Msg("[Handler] dropped non-C2C queue message")
		return
	}
	if msg.Recipient != h.peer.ClientID {
		messagesDropped.Add(1)
		log.Warn().
			Str("client_id", h.peer.ClientID.String()).
			Str("intended", msg.Recipient.String()).
			Msg("[Handler] routing error: message in wrong queue")
		return
	}

	h.writeMu.Lock()
	err := wire.Send(h.conn, msg.ToBytes(), h.peer.PublicKey)
	h.writeMu.Unlock()
	if err != nil {
		messagesDropped.Add(1)
		log.Debug().Str("client_id", h.peer.ClientID.String()).Err(err).Msg("[Handler] write error")
		h.Stop()
		return
	}
	messagesRouted.Add(1)
}
