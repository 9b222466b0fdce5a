package credentials

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"keelci/internal/core"
)

type auditLog struct {
	mu      sync.Mutex
	entries []string
}

func (a *auditLog) CredentialAccessed(name string, req core.Requester, granted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := "denied"
	if granted {
		state = "granted"
	}
	a.entries = append(a.entries, name+" "+req.String()+" "+state)
}

var requester = core.Requester{Run: 7, Pipeline: "webapp", Stage: "push"}

func openMemory(t *testing.T, auditor Auditor) *Store {
	t.Helper()
	s, err := Open(nil, auditor, nil)
	require.NoError(t, err)
	return s
}

func TestResolveAndUse(t *testing.T) {
	audit := &auditLog{}
	s := openMemory(t, audit)
	require.NoError(t, s.Put("registry", Record{Kind: core.UsernamePassword, Username: "ci", Value: []byte("hunter2")}, false))

	h, err := s.Resolve("registry", requester)
	require.NoError(t, err)

	var kept []byte
	err = h.Use(func(sec core.Secret) error {
		assert.Equal(t, core.UsernamePassword, sec.Kind)
		assert.Equal(t, "ci", sec.Username)
		assert.Equal(t, "hunter2", string(sec.Value))
		kept = sec.Value
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 7), kept, "value zeroed after the block")

	err = h.Use(func(core.Secret) error { return nil })
	assert.ErrorIs(t, err, core.ErrHandleRevoked)

	assert.Equal(t, []string{"registry webapp#7/push granted"}, audit.entries)
}

func TestUseRevokesOnError(t *testing.T) {
	s := openMemory(t, nil)
	require.NoError(t, s.Put("token", Record{Kind: core.Token, Value: []byte("abc")}, false))
	h, err := s.Resolve("token", requester)
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.ErrorIs(t, h.Use(func(core.Secret) error { return boom }), boom)
	assert.ErrorIs(t, h.Use(func(core.Secret) error { return nil }), core.ErrHandleRevoked)
}

func TestUseDoesNotExposeStoredBytes(t *testing.T) {
	s := openMemory(t, nil)
	value := []byte("original")
	require.NoError(t, s.Put("token", Record{Kind: core.Token, Value: value}, false))
	value[0] = 'X'

	h, err := s.Resolve("token", requester)
	require.NoError(t, err)
	require.NoError(t, h.Use(func(sec core.Secret) error {
		assert.Equal(t, "original", string(sec.Value))
		sec.Value[0] = 'Y'
		return nil
	}))

	h, err = s.Resolve("token", requester)
	require.NoError(t, err)
	require.NoError(t, h.Use(func(sec core.Secret) error {
		assert.Equal(t, "original", string(sec.Value))
		return nil
	}))
}

func TestResolveUnknownIsAudited(t *testing.T) {
	audit := &auditLog{}
	s := openMemory(t, audit)
	_, err := s.Resolve("ghost", requester)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, []string{"ghost webapp#7/push denied"}, audit.entries)
}

func TestPutConflictsOnKindChange(t *testing.T) {
	s := openMemory(t, nil)
	require.NoError(t, s.Put("deploy", Record{Kind: core.Token, Value: []byte("t1")}, false))
	require.NoError(t, s.Put("deploy", Record{Kind: core.Token, Value: []byte("t2")}, false), "same kind replaces")

	err := s.Put("deploy", Record{Kind: core.File, Value: []byte("f")}, false)
	assert.ErrorIs(t, err, core.ErrDuplicateNameConflict)

	require.NoError(t, s.Put("deploy", Record{Kind: core.File, Value: []byte("f")}, true))
	assert.Equal(t, []Info{{Name: "deploy", Kind: core.File}}, s.List())
}

func TestPutValidates(t *testing.T) {
	s := openMemory(t, nil)
	assert.Error(t, s.Put("", Record{Kind: core.Token, Value: []byte("x")}, false))
	assert.Error(t, s.Put("up", Record{Kind: core.UsernamePassword, Value: []byte("x")}, false))
	assert.Error(t, s.Put("empty", Record{Kind: core.Token}, false))
	assert.Error(t, s.Put("weird", Record{Kind: "Cookie", Value: []byte("x")}, false))
	assert.Error(t, s.Put("ssh", Record{Kind: core.SSHKey, Value: []byte("not a key")}, false))
}

func TestPutAcceptsSSHKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "ci@keelci")
	require.NoError(t, err)

	s := openMemory(t, nil)
	require.NoError(t, s.Put("deploy-key", Record{Kind: core.SSHKey, Value: pem.EncodeToMemory(block)}, false))
}

func TestDelete(t *testing.T) {
	s := openMemory(t, nil)
	require.NoError(t, s.Put("token", Record{Kind: core.Token, Value: []byte("abc")}, false))
	h, err := s.Resolve("token", requester)
	require.NoError(t, err)

	require.NoError(t, s.Delete("token"))
	assert.ErrorIs(t, s.Delete("token"), core.ErrNotFound)
	assert.ErrorIs(t, h.Use(func(core.Secret) error { return nil }), core.ErrNotFound)
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	identity, err := GenerateIdentity(filepath.Join(dir, "age.key"))
	require.NoError(t, err)
	path := filepath.Join(dir, "state", "credentials.age")

	s, err := Open(NewFileBackend(path, identity), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put("registry", Record{Kind: core.UsernamePassword, Username: "ci", Value: []byte("plaintext-password")}, false))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("plaintext-password")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadIdentity(filepath.Join(dir, "age.key"))
	require.NoError(t, err)
	reopened, err := Open(NewFileBackend(path, loaded), nil, nil)
	require.NoError(t, err)
	h, err := reopened.Resolve("registry", requester)
	require.NoError(t, err)
	require.NoError(t, h.Use(func(sec core.Secret) error {
		assert.Equal(t, "plaintext-password", string(sec.Value))
		return nil
	}))
}

func TestFileBackendWrongIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.age")
	owner, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	require.NoError(t, NewFileBackend(path, owner).Save(map[string]Record{"t": {Kind: core.Token, Value: []byte("x")}}))

	stranger, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = Open(NewFileBackend(path, stranger), nil, nil)
	assert.Error(t, err)
}

func TestEnsureIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "age.key")
	first, err := EnsureIdentity(path)
	require.NoError(t, err)
	second, err := EnsureIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.Recipient().String(), second.Recipient().String())
}

func fileStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()
	dir := t.TempDir()
	identity, err := GenerateIdentity(filepath.Join(dir, "age.key"))
	require.NoError(t, err)
	backend := NewFileBackend(filepath.Join(dir, "credentials.age"), identity)
	s, err := Open(backend, nil, nil)
	require.NoError(t, err)
	return s, backend
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	s, backend := fileStore(t)
	require.NoError(t, s.Put("old", Record{Kind: core.Token, Value: []byte("v1")}, false))

	// another process, e.g. the CLI, rewrites the file
	cli, err := Open(backend, nil, nil)
	require.NoError(t, err)
	require.NoError(t, cli.Delete("old"))
	require.NoError(t, cli.Put("fresh", Record{Kind: core.Token, Value: []byte("v2")}, false))

	require.NoError(t, s.Reload())
	assert.Equal(t, []Info{{Name: "fresh", Kind: core.Token}}, s.List())
	_, err = s.Resolve("old", requester)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWatchReloadsOnExternalWrite(t *testing.T) {
	s, backend := fileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, backend.path) }()
	time.Sleep(100 * time.Millisecond)

	cli, err := Open(backend, nil, nil)
	require.NoError(t, err)
	require.NoError(t, cli.Put("kubeconfig", Record{Kind: core.File, Value: []byte("kind: Config")}, false))

	assert.Eventually(t, func() bool {
		return len(s.List()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
