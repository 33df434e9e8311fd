package libp2p

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// SaveIdentity writes key into dir.
func SaveIdentity(key crypto.PrivKey, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, identityFileName), raw, 0o600)
}

// LoadIdentity returns the node key stored in dir, generating and saving
// an Ed25519 key on first use. The key is the node's stable address on
// the mesh. An empty dir yields a throwaway key.
func LoadIdentity(dir string) (crypto.PrivKey, error) {
	if dir == "" {
		key, _, err := crypto.GenerateEd25519Key(nil)
		return key, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if os.IsNotExist(err) {
		key, _, err := crypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, err
		}
		if err := SaveIdentity(key, dir); err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", identityFileName, err)
	}
	return key, nil
}
