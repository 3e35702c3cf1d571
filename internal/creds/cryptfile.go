package creds

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keyFileName   = ".key"
	tokenFileName = ".tokens"
)

// loadKey reads the symmetric file key, generating one on first use. Both the
// key and the token file are created with owner-only permissions.
func (r *Resolver) loadKey() (*[32]byte, error) {
	path := filepath.Join(r.dir, keyFileName)

	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != len(key) {
			return nil, fmt.Errorf("key file %s is corrupt (%d bytes)", path, len(data))
		}
		copy(key[:], data)
		return &key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &key, nil
}

// loadTokenFile decrypts and unmarshals the token file. A missing file is an
// empty map, not an error.
func (r *Resolver) loadTokenFile() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, tokenFileName))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	key, err := r.loadKey()
	if err != nil {
		return nil, err
	}

	if len(data) < 24 {
		return nil, fmt.Errorf("token file is corrupt (%d bytes)", len(data))
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])

	plain, ok := secretbox.Open(nil, data[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("token file cannot be decrypted with the current key")
	}

	tokens := map[string]string{}
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return tokens, nil
}

// saveTokenFile encrypts and writes the full token map, nonce prepended.
func (r *Resolver) saveTokenFile(tokens map[string]string) error {
	key, err := r.loadKey()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, key)

	if err := os.WriteFile(filepath.Join(r.dir, tokenFileName), sealed, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
