// Package agent executes shell stages on behalf of a remote orchestrator.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"keelci/internal/core"
	"keelci/internal/security"
)

type Config struct {
	WorkDir     string
	OutputLimit int
	Token       string // bearer token expected from the orchestrator; empty disables auth
}

type Agent struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = core.DefaultOutputLimit
	}
	return &Agent{cfg: cfg, logger: logger}
}

func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/run", a.handleRun)
	return r
}

// handleRun executes one command and replies once it exits. The request
// context ends when the orchestrator hangs up, which terminates the
// process group.
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Token != "" {
		presented := r.Header.Get("Authorization")
		if !security.TokenEqual("Bearer "+a.cfg.Token, presented) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var req core.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "cmd is required", http.StatusBadRequest)
		return
	}

	dir := filepath.Join(a.cfg.WorkDir, filepath.Base(req.Pipeline), strconv.FormatUint(req.Run, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log := a.logger.With(zap.Uint64("run", req.Run), zap.String("pipeline", req.Pipeline), zap.String("stage", req.Stage))

	env := req.Env
	if len(req.Files) > 0 {
		scratch, err := os.MkdirTemp("", "keelci-agent-*")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(scratch)
		files, err := writeFiles(scratch, req.Files)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		env = append(append([]string(nil), req.Env...), files...)
	}

	log.Info("running stage", zap.Int("files", len(req.Files)))
	start := time.Now()

	out := core.NewCappedBuffer(a.cfg.OutputLimit)
	code, err := core.RunCommand(r.Context(), []string{"sh", "-c", req.Command}, env, dir, req.GracePeriod(), out)
	resp := core.AgentResponse{ExitCode: code, Output: string(out.Bytes())}
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			log.Warn("stage cancelled by orchestrator", zap.Duration("took", time.Since(start)))
			return
		}
		resp.Error = err.Error()
	}
	log.Info("stage finished", zap.Int("exit_code", code), zap.Duration("took", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeFiles stores each credential as a 0600 file named after its
// variable and returns the VAR=path pairs to export.
func writeFiles(dir string, files map[string][]byte) ([]string, error) {
	env := make([]string, 0, len(files))
	for name, data := range files {
		if name == "" || strings.ContainsAny(name, "=/\\") || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid credential variable %q", name)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, err
		}
		env = append(env, name+"="+path)
	}
	return env, nil
}
