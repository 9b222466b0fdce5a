// Package server exposes the webhook endpoint and the operator API.
package server

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"keelci/internal/core"
	"keelci/internal/intake"
	"keelci/internal/metrics"
	"keelci/internal/registry"
	"keelci/internal/security"
)

const maxBodyBytes = 1 << 20

type Intake interface {
	Ingest(ctx context.Context, raw intake.RawEvent) (*core.Run, error)
	Trigger(ctx context.Context, pipeline, branch, sha string) (*core.Run, error)
}

type Runs interface {
	Get(number uint64) (*core.Run, error)
	List(filter registry.Filter) ([]*core.Run, error)
}

type Canceller interface {
	Cancel(number uint64) error
}

type LogReader interface {
	ReadLog(run uint64, stage string) ([]byte, error)
}

type Pipelines interface {
	List() []core.PipelineDefinition
}

type Ledger interface {
	Verify(trusted ed25519.PublicKey) error
	Len() int
	LastHash() string
}

// Deps are the components the handlers call into. Metrics and Ledger may
// be nil, which disables /metrics and /ledger/verify.
type Deps struct {
	Intake    Intake
	Runs      Runs
	Engine    Canceller
	Logs      LogReader
	Pipelines Pipelines
	Ledger    Ledger
	LedgerKey ed25519.PublicKey
	Metrics   *metrics.Metrics
}

type Options struct {
	APIToken     string
	CORSOrigins  []string
	WebhookRate  float64
	WebhookBurst int
}

type Server struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(opts Options, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(opts.WebhookRate)
	if opts.WebhookRate <= 0 {
		limit = rate.Inf
	} else if opts.WebhookBurst < 1 {
		opts.WebhookBurst = 1
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.WebhookBurst),
		logger:  logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.With(s.rateLimit).Post("/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/pipelines", s.handleListPipelines)
		r.Post("/pipelines/{name}/runs", s.handleTrigger)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancel)
		r.Get("/runs/{id}/stages/{stage}/log", s.handleStageLog)
		if s.deps.Ledger != nil {
			r.Get("/ledger/verify", s.handleVerifyLedger)
		}
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !security.TokenEqual(s.opts.APIToken, presented) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.countWebhook("limited")
			writeError(w, http.StatusTooManyRequests, "RateLimited", "too many webhook deliveries")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) countWebhook(result string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.WebhookReceived(result)
	}
}

func (s *Server) runQueued() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RunQueued()
	}
}
