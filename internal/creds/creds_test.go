package creds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prjdev/prj/internal/models"
)

type fakeKeyring struct {
	entries map[string]string
	setErr  error
}

func newFakeKeyring() *fakeKeyring {
	return &fakeKeyring{entries: map[string]string{}}
}

func (f *fakeKeyring) key(service, user string) string { return service + "/" + user }

func (f *fakeKeyring) Get(service, user string) (string, error) {
	secret, ok := f.entries[f.key(service, user)]
	if !ok {
		return "", ErrKeyringNotFound
	}
	return secret, nil
}

func (f *fakeKeyring) Set(service, user, secret string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.entries[f.key(service, user)] = secret
	return nil
}

func (f *fakeKeyring) Delete(service, user string) error {
	if _, ok := f.entries[f.key(service, user)]; !ok {
		return ErrKeyringNotFound
	}
	delete(f.entries, f.key(service, user))
	return nil
}

func newTestResolver(t *testing.T) (*Resolver, *fakeKeyring) {
	t.Helper()
	kr := newFakeKeyring()
	r := &Resolver{
		dir:    t.TempDir(),
		kr:     kr,
		getenv: func(string) string { return "" },
	}
	return r, kr
}

func TestResolveEnvWinsOverKeyring(t *testing.T) {
	r, kr := newTestResolver(t)
	require.NoError(t, kr.Set(serviceName, "github", "keyring-token"))
	r.getenv = func(name string) string {
		if name == "GITHUB_TOKEN" {
			return "env-token"
		}
		return ""
	}

	cred, err := r.Resolve(models.PlatformGitHub)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cred.Token)
	assert.Equal(t, SourceEnv, cred.Source)
}

func TestResolveKeyringWinsOverFile(t *testing.T) {
	r, kr := newTestResolver(t)
	require.NoError(t, r.Store(models.PlatformGitHub, "file-token", MethodFile))
	require.NoError(t, kr.Set(serviceName, "github", "keyring-token"))

	cred, err := r.Resolve(models.PlatformGitHub)
	require.NoError(t, err)
	assert.Equal(t, "keyring-token", cred.Token)
	assert.Equal(t, SourceKeyring, cred.Source)
}

func TestResolveEncryptedFileRoundTrip(t *testing.T) {
	r, _ := newTestResolver(t)
	require.NoError(t, r.Store(models.PlatformGitLab, "glpat-secret", MethodFile))

	cred, err := r.Resolve(models.PlatformGitLab)
	require.NoError(t, err)
	assert.Equal(t, "glpat-secret", cred.Token)
	assert.Equal(t, SourceFile, cred.Source)

	// Ciphertext on disk must not contain the plaintext token.
	tokens, err := r.loadTokenFile()
	require.NoError(t, err)
	assert.Equal(t, "glpat-secret", tokens["gitlab"])
}

func TestResolveNotAuthenticated(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(models.PlatformGitHub)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestStoreBothToleratesKeyringFailure(t *testing.T) {
	r, kr := newTestResolver(t)
	kr.setErr = assert.AnError

	require.NoError(t, r.Store(models.PlatformGitHub, "ghp-token", MethodBoth))

	cred, err := r.Resolve(models.PlatformGitHub)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, cred.Source)
}

func TestStoreInvalidMethod(t *testing.T) {
	r, _ := newTestResolver(t)
	assert.Error(t, r.Store(models.PlatformGitHub, "tok", Method("cloud")))
}

func TestDeleteRemovesAllTiers(t *testing.T) {
	r, _ := newTestResolver(t)
	require.NoError(t, r.Store(models.PlatformGitHub, "ghp-token", MethodBoth))

	require.NoError(t, r.Delete(models.PlatformGitHub))

	_, err := r.Resolve(models.PlatformGitHub)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// Deleting again is a no-op, not an error.
	require.NoError(t, r.Delete(models.PlatformGitHub))
}

func TestListReturnsStoredPlatforms(t *testing.T) {
	r, _ := newTestResolver(t)
	assert.Empty(t, r.List())

	require.NoError(t, r.Store(models.PlatformGitHub, "a", MethodKeyring))
	require.NoError(t, r.Store(models.PlatformGitLab, "b", MethodFile))

	assert.Equal(t, []models.Platform{models.PlatformGitHub, models.PlatformGitLab}, r.List())
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "GITHUB_TOKEN", EnvVar(models.PlatformGitHub))
	assert.Equal(t, "GITLAB_TOKEN", EnvVar(models.PlatformGitLab))
}
