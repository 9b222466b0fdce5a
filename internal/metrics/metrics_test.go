package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/core"
)

func TestObserverCounts(t *testing.T) {
	m := New()
	run := &core.Run{Number: 1, Pipeline: "webapp", Status: core.RunFailed}
	start := time.Now()

	m.RunQueued()
	m.StageFinished(run, core.StageResult{Name: "push", Status: core.StageFailed, Reason: core.ReasonToolFailure, StartedAt: start, FinishedAt: start.Add(2 * time.Second)})
	m.StageFinished(run, core.StageResult{Name: "deploy", Status: core.StageSkipped, Reason: core.ReasonUpstreamFailed})
	run.StartedAt, run.FinishedAt = start, start.Add(3*time.Second)
	m.RunFinished(run)
	m.WebhookReceived("queued")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesTotal.WithLabelValues("webapp", "push", "Failed", "ToolFailure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesTotal.WithLabelValues("webapp", "deploy", "Skipped", "UpstreamFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("webapp", "Failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration), "skipped stages are not timed")
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.WebhookReceived("unauthorized")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `keelci_webhooks_total{result="unauthorized"} 1`)
}
