package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"Replicert/internal/identity"
)

// loadIdentity returns the BLS identity derived from the ed25519 seed at keyPath.
// An empty path yields a fresh identity; a missing file is generated and saved.
func loadIdentity(keyPath string) (*identity.KeyPair, ed25519.PrivateKey, error) {
	priv, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load key:\n%w", err)
	}

	kp, err := identity.DeriveFromED25519(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("derive identity:\n%w", err)
	}

	return kp, priv, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
