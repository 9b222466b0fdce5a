package core

import (
	"sort"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "Queued"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunAborted   RunStatus = "Aborted"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

func (s RunStatus) rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunRunning:
		return 1
	case RunSucceeded, RunFailed, RunAborted:
		return 2
	}
	return -1
}

// CanTransition reports whether a run may move from s to next.
// Runs only move forward: a terminal run is never resurrected.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// ExitCode maps a status to the CLI exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunSucceeded:
		return 0
	case RunFailed:
		return 1
	case RunAborted:
		return 2
	default:
		return 3
	}
}

// StageStatus is the lifecycle state of one stage inside a run.
type StageStatus string

const (
	StagePending   StageStatus = "Pending"
	StageRunning   StageStatus = "Running"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	StageSkipped   StageStatus = "Skipped"
)

// Terminal reports whether the stage finished (including skipped).
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// CanTransition enforces Pending -> Running -> {Succeeded|Failed} and Pending -> Skipped.
func (s StageStatus) CanTransition(next StageStatus) bool {
	switch s {
	case StagePending:
		return next == StageRunning || next == StageSkipped
	case StageRunning:
		return next == StageSucceeded || next == StageFailed
	}
	return false
}

// Reason qualifies a failed or skipped stage, and a run's terminal state.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonTimeout            Reason = "Timeout"
	ReasonToolFailure        Reason = "ToolFailure"
	ReasonDeployRejected     Reason = "DeployRejected"
	ReasonMissingPlaceholder Reason = "MissingPlaceholder"
	ReasonNotFound           Reason = "NotFound"
	ReasonAborted            Reason = "Aborted"
	ReasonUpstreamFailed     Reason = "UpstreamFailed"
	ReasonInterrupted        Reason = "Interrupted"
)

// TriggerEvent records what started a run.
type TriggerEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"` // webhook or manual
	Repository string    `json:"repository,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	CommitSHA  string    `json:"commitSha,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StageResult is the outcome of one stage. Output never contains credential
// values; Credentials lists only the names that were granted.
type StageResult struct {
	Name         string      `json:"name"`
	Status       StageStatus `json:"status"`
	Reason       Reason      `json:"reason,omitempty"`
	ExitCode     int         `json:"exitCode"`
	Output       string      `json:"output,omitempty"` // tail of the captured output
	OutputRef    string      `json:"outputRef,omitempty"`
	OutputDigest string      `json:"outputDigest,omitempty"`
	Truncated    bool        `json:"truncated,omitempty"`
	Credentials  []string    `json:"credentials,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	StartedAt    time.Time   `json:"startedAt,omitempty"`
	FinishedAt   time.Time   `json:"finishedAt,omitempty"`
}

// Run is one execution of a PipelineDefinition.
type Run struct {
	Number     uint64             `json:"runId"`
	Pipeline   string             `json:"pipeline"`
	Trigger    TriggerEvent       `json:"trigger"`
	Status     RunStatus          `json:"status"`
	Reason     Reason             `json:"reason,omitempty"`
	Image      string             `json:"image,omitempty"`
	Stages     []StageResult      `json:"stages"`
	CreatedAt  time.Time          `json:"createdAt"`
	StartedAt  time.Time          `json:"startedAt,omitempty"`
	FinishedAt time.Time          `json:"finishedAt,omitempty"`
	Definition PipelineDefinition `json:"-" cbor:"definition"`
}

// NewRun builds a queued run with every stage Pending.
func NewRun(number uint64, def PipelineDefinition, trigger TriggerEvent, now time.Time) *Run {
	run := &Run{
		Number:     number,
		Pipeline:   def.Name,
		Trigger:    trigger,
		Status:     RunQueued,
		CreatedAt:  now,
		Definition: def,
	}
	run.Image = def.ImageRef(run)
	for _, stage := range def.Stages {
		run.Stages = append(run.Stages, StageResult{Name: stage.Name, Status: StagePending})
	}
	return run
}

// Stage returns the named stage result.
func (r *Run) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// FirstFailure returns the earliest failed stage, or nil.
func (r *Run) FirstFailure() *StageResult {
	var failed []*StageResult
	for i := range r.Stages {
		if r.Stages[i].Status == StageFailed {
			failed = append(failed, &r.Stages[i])
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].FinishedAt.Before(failed[j].FinishedAt)
	})
	return failed[0]
}

// Warnings lists the failed stages whose policy let the run continue.
func (r *Run) Warnings() []string {
	var names []string
	for _, res := range r.Stages {
		if res.Status != StageFailed {
			continue
		}
		if spec, ok := r.Definition.Stage(res.Name); ok && spec.EffectivePolicy() == ContinueOnFailure {
			names = append(names, res.Name)
		}
	}
	return names
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Credentials = append([]string(nil), s.Credentials...)
		c.Stages[i] = s
	}
	return &c
}
