package datastore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// securePrefix marks keys whose values are encrypted at rest. Keys
// outside this prefix pass through unmodified — not every persisted
// value (e.g. a process's non-secret display name) needs the overhead.
const securePrefix = "secure:"

// EncryptedStore wraps a DataStore, transparently sealing/opening values
// under keys starting with securePrefix using ChaCha20-Poly1305 AEAD.
type EncryptedStore struct {
	next DataStore
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewEncryptedStore builds an EncryptedStore from a 32-byte key (see
// config.DaemonConfig.EncryptionKeyHex).
func NewEncryptedStore(next DataStore, key []byte) (*EncryptedStore, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("datastore: init cipher: %w", err)
	}
	return &EncryptedStore{next: next, aead: aead}, nil
}

func (e *EncryptedStore) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("datastore: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *EncryptedStore) open(sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("datastore: sealed value too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	return e.aead.Open(nil, nonce, ciphertext, nil)
}

func (e *EncryptedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, found, err := e.next.Get(ctx, key)
	if err != nil || !found || !strings.HasPrefix(key, securePrefix) {
		return v, found, err
	}
	plain, err := e.open(v)
	if err != nil {
		return nil, false, fmt.Errorf("datastore: decrypt %s: %w", key, err)
	}
	return plain, true, nil
}

func (e *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	if !strings.HasPrefix(key, securePrefix) {
		return e.next.Set(ctx, key, value)
	}
	sealed, err := e.seal(value)
	if err != nil {
		return err
	}
	return e.next.Set(ctx, key, sealed)
}

func (e *EncryptedStore) Delete(ctx context.Context, key string) error {
	return e.next.Delete(ctx, key)
}

func (e *EncryptedStore) Exists(ctx context.Context, key string) (bool, error) {
	return e.next.Exists(ctx, key)
}

func (e *EncryptedStore) BatchSet(ctx context.Context, kv map[string][]byte) error {
	out := make(map[string][]byte, len(kv))
	for k, v := range kv {
		if !strings.HasPrefix(k, securePrefix) {
			out[k] = v
			continue
		}
		sealed, err := e.seal(v)
		if err != nil {
			return err
		}
		out[k] = sealed
	}
	return e.next.BatchSet(ctx, out)
}
