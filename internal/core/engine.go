package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RunStore is the part of the run registry the engine writes through.
type RunStore interface {
	Get(number uint64) (*Run, error)
	UpdateStatus(number uint64, status RunStatus, reason Reason) error
	RecordStageResult(number uint64, result StageResult) error
}

// StageExecutor runs a single stage to completion.
type StageExecutor interface {
	Execute(ctx context.Context, req ExecRequest) StageResult
}

// Observer is notified of terminal stage results and finished runs.
type Observer interface {
	StageFinished(run *Run, result StageResult)
	RunFinished(run *Run)
}

// EngineConfig bounds how many runs execute at once and where they work.
type EngineConfig struct {
	Workers          int64
	WorkspaceRoot    string
	CleanupWorkspace bool
}

// Engine drives runs through their stage graphs. Each run has its own
// driver goroutine; a semaphore bounds how many drive at once, so a slow
// stage never blocks an unrelated run.
type Engine struct {
	cfg       EngineConfig
	registry  RunStore
	executor  StageExecutor
	logger    *zap.Logger
	observers []Observer
	sem       *semaphore.Weighted
	now       func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[uint64]context.CancelFunc
}

func NewEngine(cfg EngineConfig, registry RunStore, executor StageExecutor, logger *zap.Logger, observers ...Observer) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "keelci", "workspace")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		executor:  executor,
		logger:    logger,
		observers: observers,
		sem:       semaphore.NewWeighted(cfg.Workers),
		now:       time.Now,
		base:      base,
		stop:      stop,
		active:    make(map[uint64]context.CancelFunc),
	}
}

// Enqueue hands a queued run to the engine. It never blocks.
func (e *Engine) Enqueue(run *Run) {
	ctx, cancel := context.WithCancel(e.base)

	e.mu.Lock()
	e.active[run.Number] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.forget(run.Number)
		defer cancel()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			// cancelled while waiting for a worker
			e.abortQueued(run)
			return
		}
		defer e.sem.Release(1)

		if err := e.drive(ctx, run); err != nil {
			e.logger.Error("run failed to complete", zap.Uint64("run", run.Number), zap.Error(err))
			e.finish(run)
		}
	}()
}

// Cancel requests termination of a run. Queued runs are aborted before
// starting; running ones have their in-flight stages terminated.
func (e *Engine) Cancel(number uint64) error {
	e.mu.Lock()
	cancel, ok := e.active[number]
	e.mu.Unlock()
	if ok {
		e.logger.Info("cancellation requested", zap.Uint64("run", number))
		cancel()
		return nil
	}

	run, err := e.registry.Get(number)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %d is already %s: %w", number, run.Status, ErrInvalidTransition)
	}
	e.abortQueued(run)
	return nil
}

// Recover resumes after a restart: queued runs are enqueued again, runs
// that were mid-flight are marked Aborted since their processes are gone.
func (e *Engine) Recover(runs []*Run) {
	for _, run := range runs {
		switch run.Status {
		case RunQueued:
			e.logger.Info("re-enqueueing queued run", zap.Uint64("run", run.Number))
			e.Enqueue(run)
		case RunRunning:
			e.logger.Warn("aborting interrupted run", zap.Uint64("run", run.Number))
			e.abort(run, ReasonInterrupted)
		}
	}
}

// Wait blocks until every enqueued run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every run and waits for the drivers to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) forget(number uint64) {
	e.mu.Lock()
	delete(e.active, number)
	e.mu.Unlock()
}

func (e *Engine) abortQueued(run *Run) {
	e.abort(run, ReasonAborted)
}

// abort ends a run that no driver is executing. Observers see the same
// stage and run notifications a driven run produces.
func (e *Engine) abort(run *Run, reason Reason) {
	for _, res := range run.Stages {
		if closed, ok := e.closeStage(run, res, reason); ok {
			e.notifyStage(run.Number, closed)
		}
	}
	if err := e.registry.UpdateStatus(run.Number, RunAborted, reason); err != nil {
		e.logger.Error("cannot abort run", zap.Uint64("run", run.Number), zap.Error(err))
	}
	e.finish(run)
}

// closeStage settles a stage left behind by an abort: pending stages are
// skipped, running ones failed. It reports false for stages already settled.
func (e *Engine) closeStage(run *Run, res StageResult, reason Reason) (StageResult, bool) {
	switch res.Status {
	case StagePending:
		res.Status = StageSkipped
	case StageRunning:
		res.Status = StageFailed
		res.ExitCode = -1
	default:
		return res, false
	}
	res.Reason = reason
	res.FinishedAt = e.now()
	if err := e.registry.RecordStageResult(run.Number, res); err != nil {
		e.logger.Error("cannot record stage", zap.Uint64("run", run.Number), zap.String("stage", res.Name), zap.Error(err))
	}
	return res, true
}

type stageDone struct {
	result StageResult
	policy FailurePolicy
}

// drive executes the stage graph of one run.
func (e *Engine) drive(ctx context.Context, run *Run) error {
	def := run.Definition
	log := e.logger.With(zap.String("pipeline", def.Name), zap.Uint64("run", run.Number))

	if err := e.registry.UpdateStatus(run.Number, RunRunning, ReasonNone); err != nil {
		return fmt.Errorf("marking run %d running: %w", run.Number, err)
	}
	log.Info("run started", zap.Int("stages", len(def.Stages)))

	workDir := filepath.Join(e.cfg.WorkspaceRoot, def.Name, strconv.FormatUint(run.Number, 10))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Error("cannot create workspace", zap.Error(err))
		workDir = ""
	}
	if e.cfg.CleanupWorkspace && workDir != "" {
		defer os.RemoveAll(workDir)
	}

	vars := RunVars(run)
	sched := NewScheduler(&def)
	results := make(chan stageDone)
	done := ctx.Done()
	inflight := 0
	cancelled := false
	var abortedBy string

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}
		if !cancelled && abortedBy == "" {
			for _, spec := range sched.Ready() {
				sched.Mark(spec.Name, StageRunning)
				e.record(run.Number, StageResult{Name: spec.Name, Status: StageRunning, StartedAt: e.now()})
				inflight++

				req := ExecRequest{
					Run:            run.Number,
					Pipeline:       def.Name,
					Agent:          def.Agent,
					Stage:          spec,
					Bindings:       def.Credentials,
					Env:            def.Env,
					Vars:           vars,
					Image:          run.Image,
					WorkDir:        workDir,
					DefaultTimeout: def.Timeout.Std(),
				}
				go func(spec StageSpec) {
					results <- stageDone{result: e.executor.Execute(ctx, req), policy: spec.EffectivePolicy()}
				}(spec)
			}
		}
		if inflight == 0 {
			break
		}

		select {
		case d := <-results:
			inflight--
			res := d.result
			if res.Status != StageSucceeded && res.Status != StageFailed {
				res.Status = StageFailed
				res.Reason = ReasonToolFailure
			}
			sched.Mark(res.Name, res.Status)
			e.record(run.Number, res)
			e.notifyStage(run.Number, res)

			if res.Status == StageFailed && d.policy == AbortOnFailure && abortedBy == "" {
				abortedBy = res.Name
				log.Warn("stage failed, aborting pipeline",
					zap.String("stage", res.Name),
					zap.String("reason", string(res.Reason)),
					zap.Strings("skipping", sched.Dependents(res.Name)),
				)
			} else if res.Status == StageFailed {
				log.Warn("stage failed, continuing", zap.String("stage", res.Name), zap.String("reason", string(res.Reason)))
			}
		case <-done:
			done = nil
			cancelled = true
			log.Info("run cancelled, terminating in-flight stages", zap.Int("inflight", inflight))
		}
	}

	skipReason := ReasonUpstreamFailed
	if cancelled {
		skipReason = ReasonAborted
	}
	for _, name := range sched.Pending() {
		res := StageResult{Name: name, Status: StageSkipped, Reason: skipReason, FinishedAt: e.now()}
		if abortedBy != "" && !cancelled {
			res.Detail = fmt.Sprintf("not started: stage %q failed", abortedBy)
		}
		sched.Mark(name, StageSkipped)
		e.record(run.Number, res)
		e.notifyStage(run.Number, res)
	}

	status, reason := RunSucceeded, ReasonNone
	switch {
	case cancelled:
		status, reason = RunAborted, ReasonAborted
	case abortedBy != "":
		status = RunFailed
		if res := e.stageResult(run.Number, abortedBy); res != nil {
			reason = res.Reason
		}
	}
	if err := e.registry.UpdateStatus(run.Number, status, reason); err != nil {
		return fmt.Errorf("finishing run %d: %w", run.Number, err)
	}
	log.Info("run finished", zap.String("status", string(status)))
	e.finish(run)
	return nil
}

func (e *Engine) stageResult(number uint64, name string) *StageResult {
	run, err := e.registry.Get(number)
	if err != nil {
		return nil
	}
	return run.Stage(name)
}

func (e *Engine) record(number uint64, res StageResult) {
	if err := e.registry.RecordStageResult(number, res); err != nil {
		e.logger.Error("cannot record stage result",
			zap.Uint64("run", number), zap.String("stage", res.Name), zap.Error(err))
	}
}

func (e *Engine) notifyStage(number uint64, res StageResult) {
	if len(e.observers) == 0 {
		return
	}
	run, err := e.registry.Get(number)
	if err != nil {
		return
	}
	for _, o := range e.observers {
		o.StageFinished(run, res)
	}
}

// finish notifies observers once per run. When the registry cannot be
// read the last known snapshot is reported instead.
func (e *Engine) finish(run *Run) {
	if len(e.observers) == 0 {
		return
	}
	latest, err := e.registry.Get(run.Number)
	if err != nil {
		e.logger.Error("cannot load finished run", zap.Uint64("run", run.Number), zap.Error(err))
		latest = run.Clone()
	}
	for _, o := range e.observers {
		o.RunFinished(latest)
	}
}
