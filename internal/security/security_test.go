package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPairRoundTripAndSignature(t *testing.T) {
	dir := t.TempDir()
	pubPath, privPath := filepath.Join(dir, "keys", "ledger.pub"), filepath.Join(dir, "keys", "ledger.key")

	pub, priv, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)

	again, _, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)
	assert.Equal(t, pub, again, "existing keys are reused")

	loadedPub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	assert.Equal(t, pub, loadedPub)

	sig := SignData(priv, []byte("entry"))
	ok, err := VerifySignature(pub, []byte("entry"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(pub, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookHMAC(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := SignWebhook(secret, body)

	assert.NoError(t, VerifyWebhookHMAC(secret, body, sig))
	assert.NoError(t, VerifyWebhookHMAC(secret, body, sig[len("sha256="):]))
	assert.Error(t, VerifyWebhookHMAC(secret, []byte(`{"ref":"refs/heads/evil"}`), sig))
	assert.Error(t, VerifyWebhookHMAC([]byte("other"), body, sig))
	assert.Error(t, VerifyWebhookHMAC(secret, body, "sha256=zz"))
	assert.Error(t, VerifyWebhookHMAC(nil, body, sig))
	assert.Error(t, VerifyWebhookHMAC(secret, body, ""))
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, TokenEqual("abc", "abc"))
	assert.False(t, TokenEqual("abc", "abd"))
	assert.False(t, TokenEqual("", ""))
}
