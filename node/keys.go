package node

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/address"
)

const keyFileName = "validator.key"

type keyFile struct {
	Address string `json:"address"`
	Seed    string `json:"seed"`
}

// loadOrCreateOperatorKey reads the operator keypair from dataDir,
// generating and persisting one on first start.
func loadOrCreateOperatorKey(dataDir string) (crypto.PrivateKey, string, error) {
	path := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return crypto.PrivateKey{}, "", fmt.Errorf("failed to parse key file %s: %w", path, err)
		}
		seed, err := hex.DecodeString(kf.Seed)
		if err != nil {
			return crypto.PrivateKey{}, "", fmt.Errorf("failed to decode key seed: %w", err)
		}
		key, err := crypto.NewPrivateKeyFromSeed(seed)
		if err != nil {
			return crypto.PrivateKey{}, "", err
		}
		addr, err := address.FromPublicKey(key.Public())
		if err != nil {
			return crypto.PrivateKey{}, "", err
		}
		if kf.Address != "" && kf.Address != addr {
			return crypto.PrivateKey{}, "", fmt.Errorf("key file address %s does not match derived %s", kf.Address, addr)
		}
		return key, addr, nil
	}
	if !os.IsNotExist(err) {
		return crypto.PrivateKey{}, "", fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return crypto.PrivateKey{}, "", err
	}
	addr, err := address.FromPublicKey(key.Public())
	if err != nil {
		return crypto.PrivateKey{}, "", err
	}
	data, err = json.Marshal(keyFile{Address: addr, Seed: hex.EncodeToString(key.Seed())})
	if err != nil {
		return crypto.PrivateKey{}, "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return crypto.PrivateKey{}, "", fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return key, addr, nil
}
