package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const keyFileName = "identity.key"

// GenerateSecret creates a fresh secp256k1 identity key. It returns the
// raw 32-byte secret and the peer id derived from it.
func GenerateSecret() ([]byte, PeerID, error) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generating secp256k1 key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, "", fmt.Errorf("extracting secret bytes: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("deriving peer id: %w", err)
	}
	return raw, FromLibp2p(id), nil
}

// SecretFromBytes validates raw secret bytes as a secp256k1 key.
func SecretFromBytes(raw []byte) (crypto.PrivKey, error) {
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 secret: %w", err)
	}
	return priv, nil
}

// SaveSecret writes the raw secret to the data directory.
func SaveSecret(dataDir string, raw []byte) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, keyFileName), raw, 0600)
}

// LoadOrCreateSecret loads the identity key from the data directory,
// generating and saving a new one if none exists yet.
func LoadOrCreateSecret(dataDir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, keyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			raw, _, err = GenerateSecret()
			if err != nil {
				return nil, err
			}
			if err := SaveSecret(dataDir, raw); err != nil {
				return nil, err
			}
			return raw, nil
		}
		return nil, err
	}
	return raw, nil
}
