// Package creds resolves, stores, and deletes API tokens across three trust
// tiers: an environment variable override, the OS-native secret store, and an
// encrypted local file. Resolution is purely local; validating a token
// against the platform is a separate explicit operation.
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/remote"
)

const serviceName = "prj"

// Source records which tier a credential came from, for diagnostics only.
type Source string

const (
	SourceEnv     Source = "environment"
	SourceKeyring Source = "keyring"
	SourceFile    Source = "encrypted-file"
)

// Method selects the storage tier(s) for Store.
type Method string

const (
	MethodKeyring Method = "keyring"
	MethodFile    Method = "file"
	MethodBoth    Method = "both"
)

// Valid reports whether m is a known storage method.
func (m Method) Valid() bool {
	return m == MethodKeyring || m == MethodFile || m == MethodBoth
}

// Credential is a resolved token. Never persisted as its own entity; it lives
// only in memory between resolution and use.
type Credential struct {
	Token  string
	Source Source
}

var (
	// ErrNotAuthenticated means no usable credential exists in any tier.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidCredential means the platform rejected a stored token.
	ErrInvalidCredential = errors.New("invalid credential")
)

// EnvVar returns the well-known environment variable for a platform token,
// e.g. GITHUB_TOKEN.
func EnvVar(platform models.Platform) string {
	return strings.ToUpper(string(platform)) + "_TOKEN"
}

// Resolver looks tokens up across the storage tiers.
type Resolver struct {
	dir    string // directory holding the encrypted file tier
	kr     Keyring
	getenv func(string) string
}

// NewResolver returns a resolver using the OS keyring and an encrypted token
// file under dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{
		dir:    dir,
		kr:     systemKeyring{},
		getenv: os.Getenv,
	}
}

// Resolve returns the first credential found, trying the environment
// variable override, then the OS keyring, then the encrypted file. No
// network call is made.
func (r *Resolver) Resolve(platform models.Platform) (*Credential, error) {
	if token := r.getenv(EnvVar(platform)); token != "" {
		return &Credential{Token: token, Source: SourceEnv}, nil
	}

	if token, err := r.kr.Get(serviceName, string(platform)); err == nil && token != "" {
		return &Credential{Token: token, Source: SourceKeyring}, nil
	}

	tokens, err := r.loadTokenFile()
	if err == nil {
		if token, ok := tokens[string(platform)]; ok && token != "" {
			return &Credential{Token: token, Source: SourceFile}, nil
		}
	}

	return nil, fmt.Errorf("no %s token in environment, keyring, or token file: %w", platform, ErrNotAuthenticated)
}

// Store writes the token to the selected tier(s). With MethodBoth a keyring
// failure is tolerated as long as the file tier succeeds, since headless
// systems often have no secret service running.
func (r *Resolver) Store(platform models.Platform, token string, method Method) error {
	if !method.Valid() {
		return fmt.Errorf("invalid storage method: %s", method)
	}

	var krErr, fileErr error
	stored := false

	if method == MethodKeyring || method == MethodBoth {
		krErr = r.kr.Set(serviceName, string(platform), token)
		if krErr == nil {
			stored = true
		}
	}

	if method == MethodFile || method == MethodBoth {
		tokens, err := r.loadTokenFile()
		if err != nil {
			tokens = map[string]string{}
		}
		tokens[string(platform)] = token
		fileErr = r.saveTokenFile(tokens)
		if fileErr == nil {
			stored = true
		}
	}

	if !stored {
		if krErr != nil {
			return fmt.Errorf("store token: %w", krErr)
		}
		return fmt.Errorf("store token: %w", fileErr)
	}
	return nil
}

// Delete removes the token from every tier. Absence is not an error.
func (r *Resolver) Delete(platform models.Platform) error {
	if err := r.kr.Delete(serviceName, string(platform)); err != nil && !errors.Is(err, ErrKeyringNotFound) {
		return fmt.Errorf("delete from keyring: %w", err)
	}

	tokens, err := r.loadTokenFile()
	if err != nil {
		return nil
	}
	if _, ok := tokens[string(platform)]; !ok {
		return nil
	}
	delete(tokens, string(platform))
	if err := r.saveTokenFile(tokens); err != nil {
		return fmt.Errorf("delete from token file: %w", err)
	}
	return nil
}

// List returns the platforms that have a token stored in the keyring or the
// encrypted file (environment overrides are not enumerable).
func (r *Resolver) List() []models.Platform {
	seen := map[models.Platform]bool{}
	for _, p := range []models.Platform{models.PlatformGitHub, models.PlatformGitLab} {
		if token, err := r.kr.Get(serviceName, string(p)); err == nil && token != "" {
			seen[p] = true
		}
	}
	if tokens, err := r.loadTokenFile(); err == nil {
		for name, token := range tokens {
			if token != "" {
				seen[models.Platform(name)] = true
			}
		}
	}

	var platforms []models.Platform
	for _, p := range []models.Platform{models.PlatformGitHub, models.PlatformGitLab} {
		if seen[p] {
			platforms = append(platforms, p)
		}
	}
	return platforms
}

// Test validates a credential with a lightweight authenticated call.
func (r *Resolver) Test(ctx context.Context, client remote.Client) error {
	err := client.CheckAuth(ctx)
	if errors.Is(err, remote.ErrAuth) {
		return fmt.Errorf("%s token rejected: %w", client.Platform(), ErrInvalidCredential)
	}
	return err
}
