// Package registry owns the canonical record of every run: numbering,
// status transitions and stage results.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"keelci/internal/core"
)

// Filter narrows a history listing. Zero values match everything.
type Filter struct {
	Pipeline string
	Status   core.RunStatus
	Limit    int
}

// Registry is safe for concurrent use. Every read returns a copy.
type Registry struct {
	mu     sync.Mutex
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// CreateRun assigns the next run number and stores a Queued run holding a
// snapshot of def. Numbers are strictly increasing and never reused.
func (r *Registry) CreateRun(def core.PipelineDefinition, trigger core.TriggerEvent) (*core.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	number, err := r.store.NextNumber()
	if err != nil {
		return nil, fmt.Errorf("allocating run number: %w", err)
	}
	run := core.NewRun(number, def, trigger, r.now())
	if err := r.store.Save(run); err != nil {
		return nil, fmt.Errorf("saving run %d: %w", number, err)
	}
	r.logger.Info("run created",
		zap.Uint64("run", number),
		zap.String("pipeline", def.Name),
		zap.String("trigger", trigger.Kind),
		zap.String("image", run.Image),
	)
	return run.Clone(), nil
}

func (r *Registry) Get(number uint64) (*core.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, err := r.store.Load(number)
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", number, err)
	}
	return run, nil
}

// UpdateStatus moves a run forward. Repeating the current status is a
// no-op; any backward move fails with ErrInvalidTransition.
func (r *Registry) UpdateStatus(number uint64, status core.RunStatus, reason core.Reason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.store.Load(number)
	if err != nil {
		return fmt.Errorf("run %d: %w", number, err)
	}
	if run.Status == status {
		return nil
	}
	if !run.Status.CanTransition(status) {
		return fmt.Errorf("run %d: %s -> %s: %w", number, run.Status, status, core.ErrInvalidTransition)
	}

	now := r.now()
	run.Status = status
	run.Reason = reason
	if status == core.RunRunning {
		run.StartedAt = now
	}
	if status.Terminal() {
		run.FinishedAt = now
	}
	return r.store.Save(run)
}

// RecordStageResult stores the latest state of one stage. Recording the
// same terminal state twice is a no-op.
func (r *Registry) RecordStageResult(number uint64, result core.StageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.store.Load(number)
	if err != nil {
		return fmt.Errorf("run %d: %w", number, err)
	}
	stage := run.Stage(result.Name)
	if stage == nil {
		return fmt.Errorf("run %d stage %q: %w", number, result.Name, core.ErrNotFound)
	}
	if stage.Status == result.Status && stage.Status.Terminal() {
		return nil
	}
	if run.Status.Terminal() || !stage.Status.CanTransition(result.Status) {
		return fmt.Errorf("run %d stage %q: %s -> %s: %w",
			number, result.Name, stage.Status, result.Status, core.ErrInvalidTransition)
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = stage.StartedAt
	}
	*stage = result
	return r.store.Save(run)
}

// List returns runs newest first.
func (r *Registry) List(filter Filter) ([]*core.Run, error) {
	r.mu.Lock()
	all, err := r.store.All()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var runs []*core.Run
	for i := len(all) - 1; i >= 0; i-- {
		run := all[i]
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}

// Unfinished returns the Queued and Running runs, oldest first.
func (r *Registry) Unfinished() ([]*core.Run, error) {
	r.mu.Lock()
	all, err := r.store.All()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var runs []*core.Run
	for _, run := range all {
		if !run.Status.Terminal() {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// Prune deletes finished runs beyond the newest keep per pipeline and
// returns their numbers. Numbers of pruned runs are never handed out again.
func (r *Registry) Prune(keep int) ([]uint64, error) {
	if keep <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.All()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Number > all[j].Number })

	seen := make(map[string]int)
	var pruned []uint64
	for _, run := range all {
		if !run.Status.Terminal() {
			continue
		}
		seen[run.Pipeline]++
		if seen[run.Pipeline] <= keep {
			continue
		}
		if err := r.store.Delete(run.Number); err != nil {
			return pruned, err
		}
		pruned = append(pruned, run.Number)
	}
	if len(pruned) > 0 {
		r.logger.Info("pruned run history", zap.Int("runs", len(pruned)), zap.Int("keep", keep))
	}
	return pruned, nil
}

func (r *Registry) Close() error {
	return r.store.Close()
}
