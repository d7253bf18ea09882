// Package wire implements Backbone's frame codec: length-prefixed byte
// frames over a stream socket, optionally chunk-encrypted with an RSA
// public key. Grounded on the length-prefix read/write shape in
// portal/core/cryptoops/handshaker.go.
package wire

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/backbone-project/backbone/internal/cryptoutil"
)

// MaxFrameLen is the largest payload a single frame may carry, imposed
// by the 2-byte big-endian length prefix.
const MaxFrameLen = 1<<16 - 1

var ErrFrameTooLarge = errors.New("wire: frame payload exceeds MaxFrameLen")

// Send writes msg as a single frame. If pub is non-nil the payload is
// RSA-OAEP chunk-encrypted first and the frame carries the ciphertext.
func Send(w io.Writer, msg []byte, pub *rsa.PublicKey) error {
	payload := msg
	if pub != nil {
		ciphertext, err := cryptoutil.Encrypt(pub, msg)
		if err != nil {
			return fmt.Errorf("wire: encrypt frame: %w", err)
		}
		payload = ciphertext
	}
	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Read reads a single frame and returns its payload. A frame with
// length 0 ("no data") yields a nil slice with no error. If priv is
// non-nil the frame body is decrypted with it before being returned.
func Read(r io.Reader, priv *rsa.PrivateKey) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if priv == nil {
		return buf, nil
	}
	plaintext, err := cryptoutil.Decrypt(priv, buf)
	if err != nil {
		return nil, fmt.Errorf("wire: decrypt frame: %w", err)
	}
	return plaintext, nil
}
