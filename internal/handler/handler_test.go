package handler

import (
	"net"
	"testing"
	"time"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/message"
	"github.com/backbone-project/backbone/internal/registry"
	"github.com/backbone-project/backbone/internal/wire"
)

// newTestHandler wires a Handler to one end of a net.Pipe, registering
// its inbound queue with reg. The peer end is drained in the background
// so the handler's best-effort writes (e.g. the shutdown STOP notice)
// never block on an unread pipe.
func newTestHandler(t *testing.T, reg *registry.Registry, settings config.Settings) (*Handler, identity.ClientId, net.Conn) {
	t.Helper()

	peerID := identity.New()
	peerPriv, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey(peer): %v", err)
	}
	serverPriv, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey(server): %v", err)
	}
	peer := identity.Identity{ClientID: peerID, PublicKey: &peerPriv.PublicKey}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })

	go func() {
		for {
			if _, err := wire.Read(clientConn, nil); err != nil {
				return
			}
		}
	}()

	inbound := reg.Register(peerID)
	h := New(serverConn, peer, serverPriv, reg, inbound, settings)
	return h, peerID, clientConn
}

func TestStopReportsS2SDoneOnServerQueue(t *testing.T) {
	reg := registry.New()
	settings := config.Default()
	settings.HeartbeatTimeout = 5 * time.Second

	h, peerID, _ := newTestHandler(t, reg, settings)

	h.Start()
	h.Stop()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the handler to report done")
	}

	select {
	case msg := <-reg.ServerQueue():
		if !msg.IsS2S() || message.S2SType(msg.Type) != message.S2SDone {
			t.Fatalf("expected an S2S(DONE) message, got %+v", msg)
		}
		if string(msg.Payload) != string(peerID.Bytes()) {
			t.Fatalf("expected the DONE payload to carry the peer's ClientId")
		}
	default:
		t.Fatalf("expected an S2S(DONE) message on the server queue after Stop")
	}
}

func TestStopDeregistersFromRegistry(t *testing.T) {
	reg := registry.New()
	settings := config.Default()
	settings.HeartbeatTimeout = 5 * time.Second

	h, peerID, _ := newTestHandler(t, reg, settings)

	h.Start()
	h.Stop()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the handler to report done")
	}

	if _, ok := reg.Get(peerID); ok {
		t.Fatalf("expected the peer to be deregistered after Stop")
	}
}

func TestHandlerStatsTrackLifecycle(t *testing.T) {
	reg := registry.New()
	settings := config.Default()
	settings.HeartbeatTimeout = 5 * time.Second

	before := CollectStats()

	h, _, _ := newTestHandler(t, reg, settings)
	h.Start()

	if got := CollectStats().ConnectionsActive; got != before.ConnectionsActive+1 {
		t.Fatalf("expected ConnectionsActive to increase by one while the handler is running, got %d", got)
	}

	h.Stop()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the handler to report done")
	}

	if got := CollectStats().ConnectionsActive; got != before.ConnectionsActive {
		t.Fatalf("expected ConnectionsActive to return to its prior value after Stop, got %d", got)
	}
}

func TestHandlerStatsCountDroppedUnparseableFrames(t *testing.T) {
	reg := registry.New()
	settings := config.Default()
	settings.HeartbeatTimeout = 5 * time.Second

	h, _, clientConn := newTestHandler(t, reg, settings)
	h.Start()
	t.Cleanup(h.Stop)

	before := CollectStats().MessagesDropped

	// An unencrypted frame with an unknown format nibble parses to
	// "none" and must be dropped and counted, not routed.
	if err := wire.Send(clientConn, []byte{0xF0, 0, 0, 0, 0}, nil); err != nil {
		t.Fatalf("wire.Send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for CollectStats().MessagesDropped == before {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for MessagesDropped to increment")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
