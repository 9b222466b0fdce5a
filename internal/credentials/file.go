package credentials

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// FileBackend keeps the credential set as one age-encrypted JSON document.
type FileBackend struct {
	path     string
	identity *age.X25519Identity
}

func NewFileBackend(path string, identity *age.X25519Identity) *FileBackend {
	return &FileBackend{path: path, identity: identity}
}

func (f *FileBackend) Load() (map[string]Record, error) {
	ciphertext, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), f.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", f.path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credentials: %w", err)
	}
	defer zero(plaintext)

	records := map[string]Record{}
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return records, nil
}

// Save encrypts to the backend's own recipient and replaces the file
// atomically.
func (f *FileBackend) Save(records map[string]Record) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return err
	}
	defer zero(plaintext)

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, f.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// LoadIdentity reads an age X25519 identity file, skipping comment lines.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return identity, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// GenerateIdentity writes a fresh identity to path with mode 0600.
func GenerateIdentity(path string) (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, err
	}
	return identity, nil
}

// EnsureIdentity loads the identity at path, creating it when missing.
func EnsureIdentity(path string) (*age.X25519Identity, error) {
	identity, err := LoadIdentity(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateIdentity(path)
	}
	return identity, err
}
