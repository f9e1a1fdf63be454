// Package seal provides authenticated encryption for session chunks.
//
// Each session gets a key derived from the server secret and the session id
// via HKDF-SHA256. Chunks are sealed with XChaCha20-Poly1305 using 24-byte
// nonces that must be unique per (session, chunk index) for the life of
// the key.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
)

var (
	// ErrNonceReuse indicates a nonce was about to be used twice under the
	// same key. This is an invariant violation, never recoverable.
	ErrNonceReuse = errors.New("nonce reuse detected")

	// ErrAuthentication indicates a ciphertext failed tag verification.
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

// DeriveKey derives the per-session encryption key from the node's
// server secret and the session id.
func DeriveKey(serverSecret, sessionID []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, serverSecret, sessionID, []byte("anchorage/chunk-key/v1"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

// NonceSource allocates unique nonces for a session key. Implementations
// must never return the same nonce twice for the same key.
type NonceSource interface {
	Next() ([]byte, error)
}

// Sealer encrypts and decrypts chunks of a single session.
// It is stateless across calls except for nonce allocation, which is
// serialized by the NonceSource.
type Sealer struct {
	aead   cipher.AEAD
	nonces NonceSource
}

func New(key []byte, nonces NonceSource) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}
	return &Sealer{aead: aead, nonces: nonces}, nil
}

// Seal encrypts plaintext and returns the ciphertext together with the
// nonce used. The nonce is allocated, and made durable by counter-based
// sources, before any ciphertext is produced.
func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce, err = s.nonces.Next()
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != NonceSize {
		return nil, nil, fmt.Errorf("nonce source returned %d bytes, want %d", len(nonce), NonceSize)
	}
	return s.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext. It fails closed: on any tag mismatch no
// partially decrypted data is returned.
func (s *Sealer) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// RandomNonces draws nonces from crypto/rand. With 192-bit nonces the
// collision probability is negligible for any realistic chunk count,
// but allocated values are still tracked to turn an (astronomically
// unlikely) repeat into a hard failure.
type RandomNonces struct {
	mu   sync.Mutex
	seen map[[NonceSize]byte]struct{}
}

func NewRandomNonces() *RandomNonces {
	return &RandomNonces{seen: make(map[[NonceSize]byte]struct{})}
}

func (r *RandomNonces) Next() ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("reading random nonce: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[nonce]; ok {
		return nil, ErrNonceReuse
	}
	r.seen[nonce] = struct{}{}
	return nonce[:], nil
}
