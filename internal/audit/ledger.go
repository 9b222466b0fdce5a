// Package audit keeps an append-only, hash-chained and signed record of
// stage results, run outcomes and credential access.
package audit

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"keelci/internal/core"
	"keelci/internal/security"
)

// Ledger file format: JSON lines, one entry per line.
type Ledger struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	logger  *zap.Logger
	now     func() time.Time
}

// Open loads the ledger at path, creating an empty file if needed. A nil
// key opens it read-only.
func Open(path string, priv ed25519.PrivateKey, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{path: path, priv: priv, logger: logger, now: time.Now}
	if priv != nil {
		l.pub = priv.Public().(ed25519.PublicKey)
	}

	entries, err := readEntries(path)
	if errors.Is(err, os.ErrNotExist) {
		if priv == nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, err
	}
	l.entries = entries
	return l, nil
}

func readEntries(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decoding ledger entry %d: %w", len(entries), err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Append links e to the chain, signs it and persists it.
func (l *Ledger) Append(e *Entry) error {
	if len(l.priv) == 0 {
		return errors.New("ledger is read-only: no signing key")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Index = len(l.entries)
	e.PrevHash = ""
	if e.Index > 0 {
		e.PrevHash = l.entries[e.Index-1].Hash
	}
	if e.Timestamp == "" {
		e.Timestamp = stamp(l.now())
	}
	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("computing entry hash: %w", err)
	}
	e.Hash = h
	e.Signature = security.SignData(l.priv, []byte(e.Hash))
	e.PubKey = hex.EncodeToString(l.pub)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("writing ledger file: %w", err)
	}
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of the chain.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LastHash returns the head of the chain, or "" when empty.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1].Hash
}

// StageFinished records a terminal stage result.
func (l *Ledger) StageFinished(run *core.Run, res core.StageResult) {
	detail := string(res.Reason)
	if res.Detail != "" {
		detail += ": " + res.Detail
	}
	l.record(&Entry{
		Kind:     KindStage,
		Run:      run.Number,
		Pipeline: run.Pipeline,
		Stage:    res.Name,
		Status:   string(res.Status),
		Detail:   detail,
		Digest:   res.OutputDigest,
	})
}

// RunFinished records a run's terminal status.
func (l *Ledger) RunFinished(run *core.Run) {
	detail := string(run.Reason)
	if run.Image != "" {
		detail = fmt.Sprintf("%s image=%s", detail, run.Image)
	}
	l.record(&Entry{
		Kind:     KindRun,
		Run:      run.Number,
		Pipeline: run.Pipeline,
		Status:   string(run.Status),
		Detail:   detail,
	})
}

// CredentialAccessed records a credential resolution. Values are never
// passed in.
func (l *Ledger) CredentialAccessed(name string, req core.Requester, granted bool) {
	status := "granted"
	if !granted {
		status = "denied"
	}
	l.record(&Entry{
		Kind:     KindCredential,
		Run:      req.Run,
		Pipeline: req.Pipeline,
		Stage:    req.Stage,
		Subject:  name,
		Status:   status,
	})
}

func (l *Ledger) record(e *Entry) {
	if err := l.Append(e); err != nil {
		l.logger.Error("cannot append audit entry",
			zap.String("kind", string(e.Kind)), zap.Uint64("run", e.Run), zap.Error(err))
	}
}
