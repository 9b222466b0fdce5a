package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"keelci/internal/core"
	"keelci/internal/intake"
	"keelci/internal/registry"
	"keelci/internal/security"
)

// RunView is a run as reported to clients: the stored record plus the
// first failing stage and continue-on-failure warnings.
type RunView struct {
	*core.Run
	FailedStage  string      `json:"failedStage,omitempty"`
	FailedReason core.Reason `json:"failedReason,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
}

func NewRunView(run *core.Run) RunView {
	v := RunView{Run: run, Warnings: run.Warnings()}
	if f := run.FirstFailure(); f != nil && run.Status == core.RunFailed {
		v.FailedStage = f.Name
		v.FailedReason = f.Reason
	}
	return v
}

// Queued acknowledges a newly created run.
type Queued struct {
	RunID    uint64 `json:"runId"`
	Pipeline string `json:"pipeline"`
	Status   string `json:"status"`
}

// TriggerRequest is the optional body of a manual trigger.
type TriggerRequest struct {
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commitSha,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.countWebhook("invalid")
		writeError(w, http.StatusRequestEntityTooLarge, "BadRequest", err.Error())
		return
	}
	run, err := s.deps.Intake.Ingest(r.Context(), intake.RawEvent{
		Body:      body,
		Signature: r.Header.Get(security.SignatureHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUnauthorized):
			s.countWebhook("unauthorized")
		case errors.Is(err, core.ErrNoMatchingPipeline):
			s.countWebhook("unmatched")
		default:
			s.countWebhook("invalid")
		}
		s.fail(w, err)
		return
	}
	s.countWebhook("queued")
	s.runQueued()
	writeJSON(w, http.StatusAccepted, Queued{RunID: run.Number, Pipeline: run.Pipeline, Status: "queued"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid trigger body: "+err.Error())
			return
		}
	}
	run, err := s.deps.Intake.Trigger(r.Context(), chi.URLParam(r, "name"), req.Branch, req.CommitSHA)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.runQueued()
	writeJSON(w, http.StatusAccepted, Queued{RunID: run.Number, Pipeline: run.Pipeline, Status: "queued"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.Filter{Pipeline: q.Get("pipeline")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("status"); v != "" {
		status := core.RunStatus(v)
		switch status {
		case core.RunQueued, core.RunRunning, core.RunSucceeded, core.RunFailed, core.RunAborted:
		default:
			writeError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}

	runs, err := s.deps.Runs.List(filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, NewRunView(run))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, NewRunView(run))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	number, ok := runNumber(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Cancel(number); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("run cancel requested", zap.Uint64("run", number))
	run, err := s.deps.Runs.Get(number)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, NewRunView(run))
}

func (s *Server) handleStageLog(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	stage := chi.URLParam(r, "stage")
	if run.Stage(stage) == nil {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("run %d has no stage %q", run.Number, stage))
		return
	}
	out, err := s.deps.Logs.ReadLog(run.Number, stage)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no log for stage %q yet", stage))
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(out)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipelines.List())
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Ledger.Verify(s.deps.LedgerKey); err != nil {
		s.logger.Error("ledger verification failed", zap.Error(err))
		writeError(w, http.StatusConflict, "LedgerTampered", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"entries": s.deps.Ledger.Len(),
		"head":    s.deps.Ledger.LastHash(),
	})
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*core.Run, bool) {
	number, ok := runNumber(w, r)
	if !ok {
		return nil, false
	}
	run, err := s.deps.Runs.Get(number)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return run, true
}

func runNumber(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	number, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "run id must be a positive integer")
		return 0, false
	}
	return number, true
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, core.ErrNoMatchingPipeline):
		writeError(w, http.StatusNotFound, "NoMatchingPipeline", err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "InvalidTransition", err.Error())
	case errors.Is(err, intake.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
