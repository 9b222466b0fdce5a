package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

const logSuffix = ".log.zst"

// LogStorage keeps the full captured output of every stage, compressed,
// under <base>/<run>/<stage>.log.zst.
type LogStorage struct {
	BaseDir string
}

func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes a stage's output and returns the file path.
func (ls *LogStorage) SaveLog(run uint64, stage string, output []byte) (string, error) {
	dir := filepath.Join(ls.BaseDir, strconv.FormatUint(run, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sanitize(stage)+logSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return "", err
	}
	if _, err := enc.Write(output); err != nil {
		enc.Close()
		f.Close()
		return "", fmt.Errorf("compressing log: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("compressing log: %w", err)
	}
	return path, f.Close()
}

// ReadLog returns the decompressed output of one stage.
func (ls *LogStorage) ReadLog(run uint64, stage string) ([]byte, error) {
	path := filepath.Join(ls.BaseDir, strconv.FormatUint(run, 10), sanitize(stage)+logSuffix)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// RemoveRun deletes every log of a run.
func (ls *LogStorage) RemoveRun(run uint64) error {
	return os.RemoveAll(filepath.Join(ls.BaseDir, strconv.FormatUint(run, 10)))
}

// sanitize removes special characters from stage names for filenames.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return "stage"
	}
	return string(clean)
}
