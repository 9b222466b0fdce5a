package audit

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"keelci/internal/security"
)

// Verify re-reads the ledger file and recomputes every hash, link and
// signature. With a trusted key, entries must also be signed by it;
// otherwise each entry's embedded key is used. The file must still hold
// every entry this process has appended.
func (l *Ledger) Verify(trusted ed25519.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := readEntries(l.path)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if len(entries) < len(l.entries) {
		return fmt.Errorf("ledger file holds %d entries, %d were written", len(entries), len(l.entries))
	}
	for i, e := range l.entries {
		if entries[i].Hash != e.Hash {
			return fmt.Errorf("entry %d differs from the one written", i)
		}
	}
	return verifyChain(entries, trusted)
}

func verifyChain(entries []*Entry, trusted ed25519.PublicKey) error {
	for i, e := range entries {
		if e.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, e.Index)
		}
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("computing hash for index %d: %w", i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("hash mismatch at index %d", i)
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", i)
		}
		if i == 0 && e.PrevHash != "" {
			return fmt.Errorf("genesis entry has a prev hash")
		}

		pubHex := e.PubKey
		if trusted != nil {
			if pubHex != hex.EncodeToString(trusted) {
				return fmt.Errorf("entry %d signed by an untrusted key", i)
			}
		}
		ok, err := security.VerifySignatureFromHex(pubHex, []byte(e.Hash), e.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("bad signature at index %d", i)
		}
	}
	return nil
}
