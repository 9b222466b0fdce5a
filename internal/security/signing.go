package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateKeyPair creates a new ed25519 key pair used to sign the audit ledger.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes both keys hex-encoded with mode 0600.
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubPath, privPath string) error {
	for _, dir := range []string{filepath.Dir(pubPath), filepath.Dir(privPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600)
}

func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(keyBytes), nil
}

// EnsureKeyPair loads the key pair, generating and saving one when the
// private key does not exist yet.
func EnsureKeyPair(pubPath, privPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	priv, err := LoadPrivateKey(privPath)
	if errors.Is(err, os.ErrNotExist) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
			return nil, nil, fmt.Errorf("saving signing keys: %w", err)
		}
		return pub, priv, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading signing key %s: %w", privPath, err)
	}
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// SignData signs arbitrary data and returns the hex signature.
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature verifies a hex signature of data.
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex is VerifySignature with a hex-encoded public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pubBytes), data, sigHex)
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}
