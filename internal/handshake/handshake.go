// Package handshake implements Backbone's server-side challenge/response
// ceremony: deliver a nonce and the server's public key, verify a signed
// response, push configuration, and hand back an authenticated Identity.
// The message-flow shape (send a challenge, verify an identity-binding
// signature, derive a secured session) is grounded on
// portal/core/cryptoops/handshaker.go's ServerHandshake, adapted from a
// three-message Noise XX exchange down to a single round trip of
// signed-nonce application data.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/identitystore"
	"github.com/backbone-project/backbone/internal/message"
	"github.com/backbone-project/backbone/internal/wire"
)

// ErrChallengeFailed wraps every failure mode of the handshake ceremony
// (unknown client, bad signature, malformed frame, socket error) into
// one sentinel the accept loop can match on with errors.Is.
var ErrChallengeFailed = errors.New("handshake: challenge failed")

// failf wraps reason with ErrChallengeFailed, and with the underlying
// cause when there is one, so callers can match either with errors.Is
// or errors.As. Both are wrapped at once, so errors.Unwrap returns nil.
func failf(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrChallengeFailed, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrChallengeFailed, reason)
}

// Conn is the minimal socket interface the handshake needs.
type Conn interface {
	io.Reader
	io.Writer
}

// Perform runs the server side of the handshake described in spec §4.5
// over conn and returns the authenticated peer Identity on success.
func Perform(conn Conn, store *identitystore.Store, settings config.Settings) (identity.Identity, error) {
	nonce := make([]byte, settings.ChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return identity.Identity{}, failf("generate nonce", err)
	}

	serverPubPEM := store.ServerPublicKeyPEM()
	challenge := make([]byte, 2+len(serverPubPEM)+len(nonce))
	binary.BigEndian.PutUint16(challenge[:2], uint16(len(serverPubPEM)))
	copy(challenge[2:2+len(serverPubPEM)], serverPubPEM)
	copy(challenge[2+len(serverPubPEM):], nonce)

	if err := wire.Send(conn, challenge, nil); err != nil {
		return identity.Identity{}, failf("send challenge", err)
	}

	response, err := wire.Read(conn, store.ServerPrivateKey())
	if err != nil {
		return identity.Identity{}, failf("read response", err)
	}
	if len(response) < identity.Size {
		return identity.Identity{}, failf("response too short", nil)
	}

	clientID, err := identity.FromBytes(response[:identity.Size])
	if err != nil {
		return identity.Identity{}, failf("parse client id", err)
	}
	signature := response[identity.Size:]

	pub, err := store.Get(clientID)
	if errors.Is(err, identitystore.ErrNotFound) {
		return identity.Identity{}, failf("no such client", nil)
	}
	if err != nil {
		return identity.Identity{}, failf("lookup client", err)
	}

	if !cryptoutil.Verify(pub, nonce, signature) {
		return identity.Identity{}, failf("invalid signature", nil)
	}

	settingsJSON, err := settings.MarshalJSON()
	if err != nil {
		return identity.Identity{}, failf("marshal settings", err)
	}
	configMsg := message.NewC2S(message.C2SConfig, time.Now(), settingsJSON)
	if err := wire.Send(conn, configMsg.ToBytes(), pub); err != nil {
		return identity.Identity{}, failf("send config", err)
	}

	log.Info().Str("client_id", clientID.String()).Msg("[Handshake] authenticated")
	return identity.Identity{ClientID: clientID, PublicKey: pub}, nil
}
