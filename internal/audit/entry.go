package audit

import (
	"encoding/json"
	"time"

	"keelci/pkg/utils"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindCredential Kind = "credential.resolve"
	KindStage      Kind = "stage.finished"
	KindRun        Kind = "run.finished"
)

// Entry is one tamper-evident ledger record.
type Entry struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Kind      Kind   `json:"kind"`
	Run       uint64 `json:"run,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Subject   string `json:"subject,omitempty"` // credential name for access records
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Digest    string `json:"digest,omitempty"` // BLAKE3 of the stage output
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData is the JSON that is hashed. Hash, Signature and PubKey are
// excluded.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		Kind      Kind   `json:"kind"`
		Run       uint64 `json:"run"`
		Pipeline  string `json:"pipeline"`
		Stage     string `json:"stage"`
		Subject   string `json:"subject"`
		Status    string `json:"status"`
		Detail    string `json:"detail"`
		Digest    string `json:"digest"`
		PrevHash  string `json:"prevHash"`
	}{
		Index:     e.Index,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Run:       e.Run,
		Pipeline:  e.Pipeline,
		Stage:     e.Stage,
		Subject:   e.Subject,
		Status:    e.Status,
		Detail:    e.Detail,
		Digest:    e.Digest,
		PrevHash:  e.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash returns the BLAKE3 digest of the canonical data.
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
