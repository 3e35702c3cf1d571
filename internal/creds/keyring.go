package creds

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// ErrKeyringNotFound is returned by Keyring.Get and Delete when the entry
// does not exist.
var ErrKeyringNotFound = errors.New("keyring entry not found")

// Keyring abstracts the OS secret store so tests can substitute an in-memory
// implementation.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

// systemKeyring backs Keyring with the platform secret service (macOS
// Keychain, Windows Credential Manager, libsecret on Linux).
type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) {
	secret, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrKeyringNotFound
	}
	return secret, err
}

func (systemKeyring) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}

func (systemKeyring) Delete(service, user string) error {
	err := keyring.Delete(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrKeyringNotFound
	}
	return err
}
