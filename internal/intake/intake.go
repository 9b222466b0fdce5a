// Package intake turns push notifications and manual requests into queued runs.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"keelci/internal/core"
	"keelci/internal/security"
)

// Catalog provides the current pipeline definitions.
type Catalog interface {
	List() []core.PipelineDefinition
	Get(name string) (core.PipelineDefinition, bool)
}

// RunCreator allocates runs.
type RunCreator interface {
	CreateRun(def core.PipelineDefinition, trigger core.TriggerEvent) (*core.Run, error)
}

// Enqueuer starts runs.
type Enqueuer interface {
	Enqueue(run *core.Run)
}

// RawEvent is an unparsed webhook delivery.
type RawEvent struct {
	Body      []byte
	Signature string // X-Hub-Signature-256 header, may be empty
}

// Secrets authenticate webhook deliveries. HMACSecret verifies signed
// bodies; Token is the shared value expected in the payload signature
// field when no HMAC header is sent.
type Secrets struct {
	HMACSecret []byte
	Token      string
}

type Intake struct {
	catalog  Catalog
	registry RunCreator
	engine   Enqueuer
	secrets  Secrets
	logger   *zap.Logger
	now      func() time.Time
}

func New(catalog Catalog, registry RunCreator, engine Enqueuer, secrets Secrets, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{catalog: catalog, registry: registry, engine: engine, secrets: secrets, logger: logger, now: time.Now}
}

// Ingest authenticates a webhook delivery, selects the pipeline and
// enqueues a new run. Nothing is retried.
func (in *Intake) Ingest(ctx context.Context, raw RawEvent) (*core.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev, err := ParsePushEvent(raw.Body)
	if err != nil {
		// only a correctly signed sender learns that its payload was malformed
		if raw.Signature == "" || in.authenticate(raw, PushEvent{}) != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
		}
		return nil, err
	}
	if err := in.authenticate(raw, ev); err != nil {
		in.logger.Warn("webhook rejected", zap.String("repository", ev.Repository), zap.Error(err))
		return nil, err
	}

	def, ok := Select(in.catalog.List(), ev)
	if !ok {
		in.logger.Info("no pipeline for push", zap.String("repository", ev.Repository), zap.String("branch", ev.Branch))
		return nil, fmt.Errorf("%s@%s: %w", ev.Repository, ev.Branch, core.ErrNoMatchingPipeline)
	}
	return in.start(def, core.TriggerEvent{
		Kind:       "webhook",
		Repository: ev.Repository,
		Branch:     ev.Branch,
		CommitSHA:  ev.CommitSHA,
	})
}

// Trigger starts a pipeline by name on behalf of an operator.
func (in *Intake) Trigger(ctx context.Context, pipeline, branch, sha string) (*core.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := in.catalog.Get(pipeline)
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", pipeline, core.ErrNoMatchingPipeline)
	}
	return in.start(def, core.TriggerEvent{
		Kind:       "manual",
		Repository: def.Trigger.Repository,
		Branch:     branch,
		CommitSHA:  sha,
	})
}

func (in *Intake) start(def core.PipelineDefinition, trigger core.TriggerEvent) (*core.Run, error) {
	trigger.ID = xid.New().String()
	trigger.ReceivedAt = in.now()

	run, err := in.registry.CreateRun(def, trigger)
	if err != nil {
		return nil, err
	}
	in.engine.Enqueue(run)
	in.logger.Info("run queued",
		zap.Uint64("run", run.Number),
		zap.String("pipeline", def.Name),
		zap.String("event", trigger.ID),
		zap.String("kind", trigger.Kind),
		zap.String("branch", trigger.Branch),
	)
	return run, nil
}

func (in *Intake) authenticate(raw RawEvent, ev PushEvent) error {
	if raw.Signature != "" {
		if len(in.secrets.HMACSecret) == 0 {
			return fmt.Errorf("%w: signed delivery but no webhook secret configured", core.ErrUnauthorized)
		}
		if err := security.VerifyWebhookHMAC(in.secrets.HMACSecret, raw.Body, raw.Signature); err != nil {
			return fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
		}
		return nil
	}
	if !security.TokenEqual(in.secrets.Token, ev.Signature) {
		return fmt.Errorf("%w: invalid signature", core.ErrUnauthorized)
	}
	return nil
}
