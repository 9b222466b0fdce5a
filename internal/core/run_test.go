package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusOnlyMovesForward(t *testing.T) {
	assert.True(t, RunQueued.CanTransition(RunRunning))
	assert.True(t, RunQueued.CanTransition(RunAborted))
	assert.True(t, RunRunning.CanTransition(RunFailed))
	assert.False(t, RunRunning.CanTransition(RunQueued))
	assert.False(t, RunSucceeded.CanTransition(RunFailed))
	assert.False(t, RunRunning.CanTransition(RunRunning))
	assert.False(t, RunStatus("Bogus").CanTransition(RunRunning))
}

func TestStageStatusTransitions(t *testing.T) {
	assert.True(t, StagePending.CanTransition(StageRunning))
	assert.True(t, StagePending.CanTransition(StageSkipped))
	assert.False(t, StagePending.CanTransition(StageSucceeded))
	assert.True(t, StageRunning.CanTransition(StageFailed))
	assert.False(t, StageSkipped.CanTransition(StageRunning))
}

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, RunSucceeded.ExitCode())
	assert.Equal(t, 1, RunFailed.ExitCode())
	assert.Equal(t, 2, RunAborted.ExitCode())
	assert.Equal(t, 3, RunRunning.ExitCode())
}

func TestFirstFailureAndWarnings(t *testing.T) {
	def := PipelineDefinition{Name: "p", Stages: []StageSpec{
		{Name: "lint", Policy: ContinueOnFailure},
		{Name: "test"},
		{Name: "docs", Policy: ContinueOnFailure},
	}}
	run := NewRun(1, def, TriggerEvent{}, time.Now())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run.Stages[0] = StageResult{Name: "lint", Status: StageFailed, FinishedAt: base.Add(2 * time.Second)}
	run.Stages[1] = StageResult{Name: "test", Status: StageFailed, FinishedAt: base.Add(time.Second)}
	run.Stages[2] = StageResult{Name: "docs", Status: StageSucceeded}

	assert.Equal(t, "test", run.FirstFailure().Name)
	assert.Equal(t, []string{"lint"}, run.Warnings())
}

func TestCloneIsDeep(t *testing.T) {
	run := NewRun(1, PipelineDefinition{Name: "p", Stages: []StageSpec{{Name: "a"}}}, TriggerEvent{}, time.Now())
	run.Stages[0].Credentials = []string{"token"}
	c := run.Clone()
	c.Stages[0].Status = StageFailed
	c.Stages[0].Credentials[0] = "other"
	assert.Equal(t, StagePending, run.Stages[0].Status)
	assert.Equal(t, "token", run.Stages[0].Credentials[0])
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonNone, ReasonFor(nil))
	assert.Equal(t, ReasonDeployRejected, ReasonFor(ErrDeployRejected))
	assert.Equal(t, ReasonNotFound, ReasonFor(ErrNotFound))
	assert.Equal(t, ReasonToolFailure, ReasonFor(assert.AnError))
}
