package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/seal"
	"github.com/lucidnet/anchorage/util"
)

// KeyEnvVar can override the node's persisted signing key with a
// base64-encoded ed25519 private key.
const KeyEnvVar = "ANCHORAGE_PRIVATE_KEY"

const stateFilename = "state.bin"

type state struct {
	PrivKey      []byte
	ServerSecret []byte
	ChainKey     []byte
}

func saveState(datadir string, s *state) error {
	return util.Persist(filepath.Join(datadir, stateFilename), s)
}

// loadState loads the node identity and server secret from datadir,
// generating both on first start. A key supplied via the environment must
// match any persisted one.
func loadState(ctx context.Context, datadir, keyEnc string) (*state, error) {
	var envKey ed25519.PrivateKey
	if keyEnc != "" {
		key, err := base64.StdEncoding.DecodeString(keyEnc)
		if err != nil {
			return nil, fmt.Errorf("decoding private key from %s: %w", KeyEnvVar, err)
		}
		if len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("private key in %s is %d bytes, want %d", KeyEnvVar, len(key), ed25519.PrivateKeySize)
		}
		envKey = key
	}

	s := &state{}
	err := util.Load(filepath.Join(datadir, stateFilename), s)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if envKey != nil {
			s.PrivKey = envKey
		} else {
			_, key, err := ed25519.GenerateKey(nil)
			if err != nil {
				return nil, fmt.Errorf("generating identity key: %w", err)
			}
			s.PrivKey = key
			logging.FromContext(ctx).Info("generated new node identity")
		}
		s.ServerSecret = make([]byte, seal.KeySize)
		if _, err := rand.Read(s.ServerSecret); err != nil {
			return nil, fmt.Errorf("generating server secret: %w", err)
		}
		chainKey, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating chain signing key: %w", err)
		}
		s.ChainKey = crypto.FromECDSA(chainKey)
		return s, nil
	case err != nil:
		return nil, err
	}

	if envKey != nil && !bytes.Equal(envKey, s.PrivKey) {
		return nil, fmt.Errorf("key provided in %s doesn't match the persisted one", KeyEnvVar)
	}
	return s, nil
}
