// Package backboneserver is the accept loop and handler supervisor: it
// binds the listening socket, runs the handshake on every accepted
// connection, rejects duplicate sessions, and owns the handler table.
// Grounded on cmd/relay-server/main.go's start/stop/signal shape and on
// portal/lease.go's mutex-protected table of live sessions.
package backboneserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/handler"
	"github.com/backbone-project/backbone/internal/handshake"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/identitystore"
	"github.com/backbone-project/backbone/internal/registry"
)

// acceptPollInterval bounds how long Accept may block before the loop
// rechecks stopCh.
const acceptPollInterval = 100 * time.Millisecond

// Server is the Backbone relay hub: one TCP listener, one registry, one
// handler per authenticated connection.
type Server struct {
	settings config.Settings
	store    *identitystore.Store
	registry *registry.Registry

	listener net.Listener

	mu       sync.Mutex
	handlers map[identity.ClientId]*handler.Handler

	nextConnID atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	acceptWg sync.WaitGroup
}

// New constructs a Server bound to the identity store and settings
// given. It does not start listening; call Start for that.
func New(store *identitystore.Store, settings config.Settings) *Server {
	return &Server{
		settings: settings,
		store:    store,
		registry: registry.New(),
		handlers: make(map[identity.ClientId]*handler.Handler),
		stopCh:   make(chan struct{}),
	}
}

// Registry exposes the server's routing registry, mainly for tests that
// want to inspect Stats().
func (s *Server) Registry() *registry.Registry { return s.registry }

// Addr returns the listening socket's address, including the actual
// port chosen when Start was called with a Settings.Port of 0. It must
// not be called before Start returns.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start binds the listening socket and runs the accept loop. If block
// is true, Start does not return until Stop is called; otherwise the
// accept loop runs in the background and Start returns immediately.
func (s *Server) Start(block bool) error {
	addr := fmt.Sprintf(":%d", s.settings.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("backboneserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.running.Store(true)

	log.Info().Str("addr", addr).Msg("[Server] listening")

	s.acceptWg.Add(1)
	if block {
		s.acceptLoop()
		return nil
	}
	go s.acceptLoop()
	return nil
}

// Stop signals the accept loop to exit, tears down every live handler,
// and closes the listening socket. Stop blocks until every handler has
// joined.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.acceptWg.Wait()

	s.mu.Lock()
	handlers := make([]*handler.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h.Stop()
	}
	for _, h := range handlers {
		<-h.Done()
	}

	s.running.Store(false)
	log.Info().Msg("[Server] stopped")
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) acceptLoop() {
	defer s.acceptWg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if tcpLn, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				log.Warn().Err(err).Msg("[Server] accept error")
				continue
			}
		}

		connID := s.nextConnID.Add(1)
		go s.handleConnection(conn, connID)
	}
}

func (s *Server) handleConnection(conn net.Conn, connID int64) {
	peer, err := handshake.Perform(conn, s.store, s.settings)
	if err != nil {
		log.Info().Int64("conn_id", connID).Err(err).Msg("[Server] handshake failed")
		_ = conn.Close()
		return
	}

	// The duplicate check and the handler-table insert must happen under
	// one critical section: releasing the lock in between would let two
	// connections racing for the same ClientId both pass the check
	// before either is registered.
	s.mu.Lock()
	if _, duplicate := s.handlers[peer.ClientID]; duplicate {
		s.mu.Unlock()
		log.Info().Int64("conn_id", connID).Str("client_id", peer.ClientID.String()).Msg("[Server] rejecting duplicate connection")
		_ = conn.Close()
		return
	}

	inbound := s.registry.Register(peer.ClientID)
	h := handler.New(conn, peer, s.store.ServerPrivateKey(), s.registry, inbound, s.settings)
	s.handlers[peer.ClientID] = h
	s.mu.Unlock()

	log.Info().Int64("conn_id", connID).Str("client_id", peer.ClientID.String()).Msg("[Server] handler started")
	h.Start()

	go func() {
		<-h.Done()
		s.mu.Lock()
		if s.handlers[peer.ClientID] == h {
			delete(s.handlers, peer.ClientID)
		}
		s.mu.Unlock()
	}()
}
