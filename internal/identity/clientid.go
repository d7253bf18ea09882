// Package identity defines the ClientId type shared by every subsystem:
// the wire codec, the identity store, the routing registry, and both CLIs.
package identity

import (
	"crypto/rsa"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Size is the wire length of a ClientId: 16 raw bytes.
const Size = 16

// HexLen is the on-disk length of a ClientId: 32 hex characters.
const HexLen = Size * 2

var ErrInvalidLength = errors.New("identity: invalid ClientId length")

// ClientId is a 128-bit identifier shared by a client and the server's
// identity store. The zero value is the all-zero id and is never assigned
// by New.
type ClientId [Size]byte

// New mints a fresh ClientId from a random UUIDv4.
func New() ClientId {
	var id ClientId
	copy(id[:], uuid.New()[:])
	return id
}

// FromBytes builds a ClientId from its 16-byte wire form.
func FromBytes(b []byte) (ClientId, error) {
	var id ClientId
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses the 32-character hex on-disk form.
func FromHex(s string) (ClientId, error) {
	var id ClientId
	if len(s) != HexLen {
		return id, ErrInvalidLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the 16-byte wire form.
func (id ClientId) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// String renders the 32-character hex on-disk form.
func (id ClientId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the unset all-zero value.
func (id ClientId) IsZero() bool {
	return id == ClientId{}
}

// Identity is the authenticated peer record the handshake produces:
// a ClientId bound to the public key that signed the challenge.
type Identity struct {
	ClientID  ClientId
	PublicKey *rsa.PublicKey
}
