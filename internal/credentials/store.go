// Package credentials holds named secrets and hands them out as
// single-use, scoped handles. Values never leave a handle's Use block.
package credentials

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"keelci/internal/core"
)

// Record is one stored credential.
type Record struct {
	Kind     core.CredentialKind `json:"kind"`
	Username string              `json:"username,omitempty"`
	Value    []byte              `json:"value"`
}

// Info describes a credential without its value.
type Info struct {
	Name string              `json:"name"`
	Kind core.CredentialKind `json:"kind"`
}

// Backend persists the credential set. The file backend encrypts it at rest.
type Backend interface {
	Load() (map[string]Record, error)
	Save(map[string]Record) error
}

// Auditor receives every resolution attempt. It never sees values.
type Auditor interface {
	CredentialAccessed(name string, requester core.Requester, granted bool)
}

type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	backend Backend
	auditor Auditor
	logger  *zap.Logger
}

// Open loads the credential set from backend. A nil backend keeps
// credentials in memory only.
func Open(backend Backend, auditor Auditor, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{records: make(map[string]Record), backend: backend, auditor: auditor, logger: logger}
	if backend != nil {
		records, err := backend.Load()
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
		for name, rec := range records {
			s.records[name] = rec
		}
	}
	return s, nil
}

// Reload replaces the in-memory set with the backend's current content,
// picking up edits made by another process such as the CLI. Handles issued
// earlier read the new value when used.
func (s *Store) Reload() error {
	if s.backend == nil {
		return nil
	}
	records, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("reloading credentials: %w", err)
	}

	s.mu.Lock()
	previous := s.records
	s.records = records
	s.mu.Unlock()

	for _, rec := range previous {
		zero(rec.Value)
	}
	s.logger.Info("credentials reloaded", zap.Int("credentials", len(records)))
	return nil
}

// Put stores a credential. Replacing a credential of a different kind
// requires overwrite; otherwise ErrDuplicateNameConflict is returned.
func (s *Store) Put(name string, rec Record, overwrite bool) error {
	if name == "" {
		return errors.New("credential name is required")
	}
	if err := validate(rec); err != nil {
		return fmt.Errorf("credential %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[name]; ok && existing.Kind != rec.Kind && !overwrite {
		return fmt.Errorf("credential %q exists as %s: %w", name, existing.Kind, core.ErrDuplicateNameConflict)
	}

	stored := Record{Kind: rec.Kind, Username: rec.Username, Value: append([]byte(nil), rec.Value...)}
	previous, had := s.records[name]
	s.records[name] = stored
	if err := s.persist(); err != nil {
		if had {
			s.records[name] = previous
		} else {
			delete(s.records, name)
		}
		return err
	}
	if had {
		zero(previous.Value)
	}
	s.logger.Info("credential stored", zap.String("credential", name), zap.String("kind", string(rec.Kind)))
	return nil
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("credential %q: %w", name, core.ErrNotFound)
	}
	delete(s.records, name)
	if err := s.persist(); err != nil {
		s.records[name] = rec
		return err
	}
	zero(rec.Value)
	s.logger.Info("credential deleted", zap.String("credential", name))
	return nil
}

// List returns names and kinds sorted by name.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]Info, 0, len(s.records))
	for name, rec := range s.records {
		infos = append(infos, Info{Name: name, Kind: rec.Kind})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Resolve returns a single-use handle for name. Every call is audited.
func (s *Store) Resolve(name string, requester core.Requester) (core.CredentialHandle, error) {
	s.mu.RLock()
	rec, ok := s.records[name]
	s.mu.RUnlock()

	if s.auditor != nil {
		s.auditor.CredentialAccessed(name, requester, ok)
	}
	if !ok {
		s.logger.Warn("credential lookup failed",
			zap.String("credential", name), zap.Stringer("requester", requester))
		return nil, fmt.Errorf("credential %q: %w", name, core.ErrNotFound)
	}
	s.logger.Info("credential resolved",
		zap.String("credential", name), zap.String("kind", string(rec.Kind)), zap.Stringer("requester", requester))
	return &handle{store: s, name: name}, nil
}

// take copies the current value for one acquisition.
func (s *Store) take(name string) (core.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return core.Secret{}, fmt.Errorf("credential %q: %w", name, core.ErrNotFound)
	}
	return core.Secret{Kind: rec.Kind, Username: rec.Username, Value: append([]byte(nil), rec.Value...)}, nil
}

func (s *Store) persist() error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(s.records); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

type handle struct {
	store *Store
	name  string

	mu      sync.Mutex
	revoked bool
}

// Use exposes a private copy of the secret to fn, then zeroes it. The
// handle is revoked whether fn returns, fails or panics.
func (h *handle) Use(fn func(core.Secret) error) error {
	h.mu.Lock()
	if h.revoked {
		h.mu.Unlock()
		return fmt.Errorf("credential %q: %w", h.name, core.ErrHandleRevoked)
	}
	h.revoked = true
	h.mu.Unlock()

	secret, err := h.store.take(h.name)
	if err != nil {
		return err
	}
	defer zero(secret.Value)
	return fn(secret)
}

func validate(rec Record) error {
	switch rec.Kind {
	case core.UsernamePassword:
		if rec.Username == "" {
			return errors.New("username is required")
		}
	case core.Token, core.File:
	case core.SSHKey:
		if _, err := ssh.ParsePrivateKey(rec.Value); err != nil {
			var missing *ssh.PassphraseMissingError
			if !errors.As(err, &missing) {
				return fmt.Errorf("invalid SSH private key: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown kind %q", rec.Kind)
	}
	if len(rec.Value) == 0 {
		return errors.New("value is required")
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
