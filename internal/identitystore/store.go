// Package identitystore is the directory-backed identity repository: it
// persists the server's own private key and a public-key file per known
// client. Grounded on portal/lease.go's mutex-protected map (here over a
// directory of files rather than an in-memory map), since no
// KV/embedded-DB dependency is actually exercised anywhere for small,
// rarely-written key-value data — see DESIGN.md.
package identitystore

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
)

const (
	clientsDir   = "clients"
	serverDir    = "server"
	serverKeyPEM = "key.pem"
	dirPerm      = 0o700
	filePerm     = 0o600
)

var ErrNotFound = errors.New("identitystore: client not found")

// Store is the on-disk identity repository. Writes are serialized by mu;
// reads take no lock, since writes here are
// rare and administrative while reads happen on every handshake.
type Store struct {
	mu  sync.Mutex
	dir string

	serverPriv   *rsa.PrivateKey
	serverPubPEM []byte
}

// Init creates clients/ and server/ under dir if missing, generating and
// persisting a server key pair on first run.
func Init(dir string) (*Store, error) {
	clientsPath := filepath.Join(dir, clientsDir)
	serverPath := filepath.Join(dir, serverDir)
	if err := os.MkdirAll(clientsPath, dirPerm); err != nil {
		return nil, fmt.Errorf("identitystore: mkdir clients: %w", err)
	}
	if err := os.MkdirAll(serverPath, dirPerm); err != nil {
		return nil, fmt.Errorf("identitystore: mkdir server: %w", err)
	}

	keyPath := filepath.Join(serverPath, serverKeyPEM)
	priv, err := loadOrGenerateServerKey(keyPath)
	if err != nil {
		return nil, err
	}

	log.Info().Str("dir", dir).Msg("[IdentityStore] initialized")

	return &Store{
		dir:          dir,
		serverPriv:   priv,
		serverPubPEM: cryptoutil.SerializePublic(&priv.PublicKey),
	}, nil
}

func loadOrGenerateServerKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return cryptoutil.DeserializePrivate(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("identitystore: read server key: %w", err)
	}

	priv, err := cryptoutil.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identitystore: generate server key: %w", err)
	}
	if err := os.WriteFile(path, cryptoutil.SerializePrivate(priv), filePerm); err != nil {
		return nil, fmt.Errorf("identitystore: persist server key: %w", err)
	}
	log.Info().Str("path", path).Msg("[IdentityStore] generated new server key")
	return priv, nil
}

// ServerPrivateKey returns the server's persistent private key.
func (s *Store) ServerPrivateKey() *rsa.PrivateKey { return s.serverPriv }

// ServerPublicKeyPEM returns the cached PEM encoding of the server's
// public key, sent unencrypted during the handshake challenge.
func (s *Store) ServerPublicKeyPEM() []byte { return s.serverPubPEM }

func (s *Store) clientPath(id identity.ClientId) string {
	return filepath.Join(s.dir, clientsDir, id.String())
}

// Get returns the public key registered for id, or ErrNotFound.
func (s *Store) Get(id identity.ClientId) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(s.clientPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identitystore: read client key: %w", err)
	}
	return cryptoutil.DeserializePublic(data)
}

// Add persists pub for id only if no file exists yet. Returns true on
// create, false if a key was already registered for id.
func (s *Store) Add(id identity.ClientId, pub *rsa.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.clientPath(id)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("identitystore: stat client key: %w", err)
	}

	if err := os.WriteFile(path, cryptoutil.SerializePublic(pub), filePerm); err != nil {
		return false, fmt.Errorf("identitystore: write client key: %w", err)
	}
	log.Info().Str("client_id", id.String()).Msg("[IdentityStore] added client")
	return true, nil
}

// Set overwrites an existing client key file. Returns true only if a
// file already existed for id.
func (s *Store) Set(id identity.ClientId, pub *rsa.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.clientPath(id)
	existed := true
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		existed = false
	} else if err != nil {
		return false, fmt.Errorf("identitystore: stat client key: %w", err)
	}

	if err := os.WriteFile(path, cryptoutil.SerializePublic(pub), filePerm); err != nil {
		return false, fmt.Errorf("identitystore: write client key: %w", err)
	}
	return existed, nil
}

// Remove deletes the client key file for id, if present. Returns true
// on removal, false if there was nothing to remove.
func (s *Store) Remove(id identity.ClientId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.clientPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identitystore: remove client key: %w", err)
	}
	log.Info().Str("client_id", id.String()).Msg("[IdentityStore] removed client")
	return true, nil
}
