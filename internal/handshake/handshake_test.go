package handshake

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/identitystore"
	"github.com/backbone-project/backbone/internal/message"
	"github.com/backbone-project/backbone/internal/wire"
)

func newTestStore(t *testing.T) *identitystore.Store {
	t.Helper()
	s, err := identitystore.Init(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPerformSucceedsForRegisteredClient(t *testing.T) {
	store := newTestStore(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	clientID := identity.New()
	clientPriv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	added, err := store.Add(clientID, &clientPriv.PublicKey)
	require.NoError(t, err)
	require.True(t, added)

	settings := config.Default()

	resultCh := make(chan error, 1)
	var gotIdentity identity.Identity
	go func() {
		id, err := Perform(serverConn, store, settings)
		gotIdentity = id
		resultCh <- err
	}()

	challenge, err := wire.Read(clientConn, nil)
	require.NoError(t, err)
	require.True(t, len(challenge) >= 2)
	keyLen := binary.BigEndian.Uint16(challenge[:2])
	serverPubPEM := challenge[2 : 2+int(keyLen)]
	nonce := challenge[2+int(keyLen):]
	require.Len(t, nonce, settings.ChallengeSize)

	serverPub, err := cryptoutil.DeserializePublic(serverPubPEM)
	require.NoError(t, err)

	sig, err := cryptoutil.Sign(clientPriv, nonce)
	require.NoError(t, err)
	response := append(append([]byte{}, clientID.Bytes()...), sig...)
	require.NoError(t, wire.Send(clientConn, response, serverPub))

	configFrame, err := wire.Read(clientConn, clientPriv)
	require.NoError(t, err)
	configMsg, ok := message.FromBytes(configFrame)
	require.True(t, ok)
	require.True(t, configMsg.IsC2S())
	require.Equal(t, message.C2SConfig, message.C2SType(configMsg.Type))

	require.NoError(t, <-resultCh)
	require.Equal(t, clientID, gotIdentity.ClientID)
}

func TestPerformFailsForUnknownClient(t *testing.T) {
	store := newTestStore(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	unknownID := identity.New()
	unknownPriv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, err := Perform(serverConn, store, config.Default())
		resultCh <- err
	}()

	challenge, err := wire.Read(clientConn, nil)
	require.NoError(t, err)
	keyLen := binary.BigEndian.Uint16(challenge[:2])
	serverPubPEM := challenge[2 : 2+int(keyLen)]
	nonce := challenge[2+int(keyLen):]

	serverPub, err := cryptoutil.DeserializePublic(serverPubPEM)
	require.NoError(t, err)

	sig, err := cryptoutil.Sign(unknownPriv, nonce)
	require.NoError(t, err)
	response := append(append([]byte{}, unknownID.Bytes()...), sig...)
	require.NoError(t, wire.Send(clientConn, response, serverPub))

	err = <-resultCh
	require.True(t, errors.Is(err, ErrChallengeFailed))
}

func TestPerformFailsForBadSignature(t *testing.T) {
	store := newTestStore(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	clientID := identity.New()
	registeredPriv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	_, err = store.Add(clientID, &registeredPriv.PublicKey)
	require.NoError(t, err)

	impostorPriv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, err := Perform(serverConn, store, config.Default())
		resultCh <- err
	}()

	challenge, err := wire.Read(clientConn, nil)
	require.NoError(t, err)
	keyLen := binary.BigEndian.Uint16(challenge[:2])
	serverPubPEM := challenge[2 : 2+int(keyLen)]
	nonce := challenge[2+int(keyLen):]

	serverPub, err := cryptoutil.DeserializePublic(serverPubPEM)
	require.NoError(t, err)

	// Signs with a key that was never registered for clientID.
	sig, err := cryptoutil.Sign(impostorPriv, nonce)
	require.NoError(t, err)
	response := append(append([]byte{}, clientID.Bytes()...), sig...)
	require.NoError(t, wire.Send(clientConn, response, serverPub))

	err = <-resultCh
	require.True(t, errors.Is(err, ErrChallengeFailed))
}

func TestPerformTerminatesWithinBoundedTime(t *testing.T) {
	store := newTestStore(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	clientID := identity.New()
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	_, err = store.Add(clientID, &priv.PublicKey)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = Perform(serverConn, store, config.Default())
		close(done)
	}()

	challenge, err := wire.Read(clientConn, nil)
	require.NoError(t, err)
	keyLen := binary.BigEndian.Uint16(challenge[:2])
	serverPubPEM := challenge[2 : 2+int(keyLen)]
	nonce := challenge[2+int(keyLen):]
	serverPub, err := cryptoutil.DeserializePublic(serverPubPEM)
	require.NoError(t, err)
	sig, err := cryptoutil.Sign(priv, nonce)
	require.NoError(t, err)
	response := append(append([]byte{}, clientID.Bytes()...), sig...)
	require.NoError(t, wire.Send(clientConn, response, serverPub))
	_, _ = wire.Read(clientConn, priv)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handshake did not terminate within bounded time")
	}
}
