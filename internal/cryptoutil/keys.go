// Package cryptoutil wraps the RSA-2048 primitives Backbone uses for
// handshake signatures and chunked frame encryption. Key generation,
// sign/verify, and encrypt/decrypt are consumed from the standard
// library's crypto/rsa; this package only fixes the parameters (key
// size, hash, chunk sizes) that the wire protocol depends on.
package cryptoutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// KeyBits is the fixed RSA modulus size for every Backbone key pair.
	KeyBits = 2048

	// plaintextChunkSize is the maximum plaintext bytes fed to a single
	// OAEP-SHA256 encryption (2048-bit key, 256-byte modulus, 2*32+2
	// bytes of OAEP-SHA256 overhead leaves 190 bytes of headroom).
	plaintextChunkSize = 190

	// ciphertextChunkSize is the ciphertext produced by encrypting one
	// plaintext chunk: exactly one RSA modulus width.
	ciphertextChunkSize = 256

	pemPrivateBlockType = "RSA PRIVATE KEY"
	pemPublicBlockType  = "RSA PUBLIC KEY"
)

var (
	ErrNotPEM        = errors.New("cryptoutil: not a PEM block")
	ErrUnknownPEMKey = errors.New("cryptoutil: unrecognized PEM key banner")
)

// GenerateKey produces a fresh 2048-bit RSA private key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, KeyBits)
}

// Sign produces an RSASSA-PSS signature over data using MGF1-SHA256 and
// the maximum salt length.
func Sign(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], opts)
}

// Verify reports whether sig is a valid PSS-SHA256 signature over data by
// pub. It never returns an error; any verification failure yields false.
func Verify(pub *rsa.PublicKey, data, sig []byte) bool {
	digest := sha256.Sum256(data)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts) == nil
}

// Encrypt RSA-OAEP(SHA256) encrypts data, chunking it into 190-byte
// blocks so that each block maps to exactly 256 bytes of ciphertext.
// Empty input yields empty output.
func Encrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	out := make([]byte, 0, ciphertextChunkSize*((len(data)/plaintextChunkSize)+1))
	for off := 0; off < len(data); off += plaintextChunkSize {
		end := min(off+plaintextChunkSize, len(data))
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data[off:end], nil)
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: encrypt chunk: %w", err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// Decrypt reverses Encrypt: ciphertext is split into 256-byte blocks,
// each yielding up to 190 bytes of plaintext. len(ciphertext) must be a
// multiple of 256; anything else is a protocol violation.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%ciphertextChunkSize != 0 {
		return nil, fmt.Errorf("cryptoutil: ciphertext length %d is not a multiple of %d", len(ciphertext), ciphertextChunkSize)
	}
	out := make([]byte, 0, len(ciphertext)/ciphertextChunkSize*plaintextChunkSize)
	for off := 0; off < len(ciphertext); off += ciphertextChunkSize {
		block, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext[off:off+ciphertextChunkSize], nil)
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: decrypt chunk: %w", err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// SerializePrivate encodes priv as a PKCS#1 PEM block.
func SerializePrivate(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemPrivateBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// SerializePublic encodes pub as a PKCS#1 PEM block.
func SerializePublic(pub *rsa.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemPublicBlockType,
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	})
}

// DeserializePrivate decodes a PKCS#1 private key PEM block.
func DeserializePrivate(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNotPEM
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// DeserializePublic decodes a PKCS#1 public key PEM block.
func DeserializePublic(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNotPEM
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Deserialize auto-detects a public or private PEM banner and returns
// whichever key it contains in the (priv, pub) return — on success
// exactly one of the two is non-nil.
func Deserialize(data []byte) (priv *rsa.PrivateKey, pub *rsa.PublicKey, err error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, ErrNotPEM
	}
	switch block.Type {
	case pemPrivateBlockType:
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		return priv, nil, err
	case pemPublicBlockType:
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		return nil, pub, err
	default:
		return nil, nil, ErrUnknownPEMKey
	}
}
