package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/audit"
	"keelci/internal/core"
	"keelci/internal/intake"
	"keelci/internal/metrics"
	"keelci/internal/registry"
	"keelci/internal/security"
	"keelci/internal/storage"
)

var hookSecret = []byte("hook-secret")

type staticCatalog []core.PipelineDefinition

func (c staticCatalog) List() []core.PipelineDefinition { return c }

func (c staticCatalog) Get(name string) (core.PipelineDefinition, bool) {
	for _, d := range c {
		if d.Name == name {
			return d, true
		}
	}
	return core.PipelineDefinition{}, false
}

var pipelines = staticCatalog{{
	Name:    "webapp",
	Trigger: core.Trigger{Repository: "acme/webapp", Branches: []string{"main"}},
	Stages:  []core.StageSpec{{Name: "build", Run: "make"}, {Name: "deploy", Run: "make deploy", Needs: []string{"build"}}},
}}

type queue struct{ runs []uint64 }

func (q *queue) Enqueue(run *core.Run) { q.runs = append(q.runs, run.Number) }

// aborter stands in for the engine: cancelling a live run aborts it.
type aborter struct{ reg *registry.Registry }

func (a aborter) Cancel(number uint64) error {
	run, err := a.reg.Get(number)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %d is %s: %w", number, run.Status, core.ErrInvalidTransition)
	}
	return a.reg.UpdateStatus(number, core.RunAborted, core.ReasonAborted)
}

type fixture struct {
	srv     *httptest.Server
	reg     *registry.Registry
	logs    *storage.LogStorage
	ledger  *audit.Ledger
	metrics *metrics.Metrics
	queue   *queue
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ledger, err := audit.Open(filepath.Join(t.TempDir(), "ledger.jsonl"), priv, nil)
	require.NoError(t, err)

	f := &fixture{
		reg:     registry.New(registry.NewMemoryStore(), nil),
		logs:    storage.NewLogStorage(t.TempDir()),
		ledger:  ledger,
		metrics: metrics.New(),
		queue:   &queue{},
	}
	in := intake.New(pipelines, f.reg, f.queue, intake.Secrets{HMACSecret: hookSecret}, nil)
	s := New(opts, Deps{
		Intake:    in,
		Runs:      f.reg,
		Engine:    aborter{f.reg},
		Logs:      f.logs,
		Pipelines: pipelines,
		Ledger:    ledger,
		LedgerKey: pub,
		Metrics:   f.metrics,
	}, nil)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *fixture) push(t *testing.T, branch string) (*http.Response, []byte) {
	body := []byte(fmt.Sprintf(`{"repository":"acme/webapp","branch":%q,"commitSha":"abc"}`, branch))
	return f.do(t, http.MethodPost, "/webhook", body, map[string]string{
		security.SignatureHeader: security.SignWebhook(hookSecret, body),
	})
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookQueuesRun(t *testing.T) {
	f := newFixture(t, Options{})
	resp, body := f.push(t, "main")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var q Queued
	require.NoError(t, json.Unmarshal(body, &q))
	assert.Equal(t, Queued{RunID: 1, Pipeline: "webapp", Status: "queued"}, q)
	assert.Equal(t, []uint64{1}, f.queue.runs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Webhooks.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveRuns))
}

func TestWebhookRejections(t *testing.T) {
	f := newFixture(t, Options{})

	body := []byte(`{"repository":"acme/webapp","branch":"main"}`)
	resp, out := f.do(t, http.MethodPost, "/webhook", body, map[string]string{security.SignatureHeader: "sha256=00"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", decodeError(t, out).Code)

	resp, out = f.push(t, "develop")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NoMatchingPipeline", decodeError(t, out).Code)

	garbage := []byte(`{"repository":42}`)
	resp, out = f.do(t, http.MethodPost, "/webhook", garbage, map[string]string{
		security.SignatureHeader: security.SignWebhook(hookSecret, garbage),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BadRequest", decodeError(t, out).Code)

	assert.Empty(t, f.queue.runs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Webhooks.WithLabelValues("unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Webhooks.WithLabelValues("unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Webhooks.WithLabelValues("invalid")))
}

func TestWebhookRateLimit(t *testing.T) {
	f := newFixture(t, Options{WebhookRate: 0.001, WebhookBurst: 1})

	resp, _ := f.push(t, "main")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, out := f.push(t, "main")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimited", decodeError(t, out).Code)
	assert.Len(t, f.queue.runs, 1)
}

func TestWebhookRateWithZeroBurstStillAdmits(t *testing.T) {
	f := newFixture(t, Options{WebhookRate: 0.001, WebhookBurst: 0})

	resp, _ := f.push(t, "main")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, f.queue.runs, 1)
}

func TestOperatorAPIRequiresToken(t *testing.T) {
	f := newFixture(t, Options{APIToken: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/runs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/runs", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/runs", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// webhooks authenticate with their own secret
	resp, _ = f.push(t, "main")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTriggerAndQuery(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/pipelines/webapp/runs", []byte(`{"branch":"main","commitSha":"f00d"}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	resp, _ = f.do(t, http.MethodPost, "/pipelines/webapp/runs", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = f.do(t, http.MethodPost, "/pipelines/nope/runs", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NoMatchingPipeline", decodeError(t, body).Code)

	resp, body = f.do(t, http.MethodGet, "/runs/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view RunView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, uint64(1), view.Number)
	assert.Equal(t, core.RunQueued, view.Status)
	assert.Equal(t, "manual", view.Trigger.Kind)
	assert.Equal(t, "f00d", view.Trigger.CommitSHA)
	assert.Len(t, view.Stages, 2)

	resp, body = f.do(t, http.MethodGet, "/runs?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []RunView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, uint64(2), list[0].Number, "newest first")

	resp, _ = f.do(t, http.MethodGet, "/runs?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/runs?status=Exploded", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/runs/x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/runs/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decodeError(t, body).Code)

	resp, body = f.do(t, http.MethodGet, "/pipelines", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"webapp"`)
}

func TestFailedRunView(t *testing.T) {
	f := newFixture(t, Options{})
	run, err := f.reg.CreateRun(pipelines[0], core.TriggerEvent{Kind: "manual"})
	require.NoError(t, err)
	require.NoError(t, f.reg.UpdateStatus(run.Number, core.RunRunning, core.ReasonNone))
	require.NoError(t, f.reg.RecordStageResult(run.Number, core.StageResult{Name: "build", Status: core.StageRunning}))
	require.NoError(t, f.reg.RecordStageResult(run.Number, core.StageResult{Name: "build", Status: core.StageFailed, Reason: core.ReasonToolFailure, ExitCode: 2}))
	require.NoError(t, f.reg.RecordStageResult(run.Number, core.StageResult{Name: "deploy", Status: core.StageSkipped, Reason: core.ReasonUpstreamFailed}))
	require.NoError(t, f.reg.UpdateStatus(run.Number, core.RunFailed, core.ReasonToolFailure))

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/runs/%d", run.Number), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view RunView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, core.RunFailed, view.Status)
	assert.Equal(t, "build", view.FailedStage)
	assert.Equal(t, core.ReasonToolFailure, view.FailedReason)

	resp, body = f.do(t, http.MethodGet, "/runs?status=Failed", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []RunView
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Options{})
	run, err := f.reg.CreateRun(pipelines[0], core.TriggerEvent{Kind: "manual"})
	require.NoError(t, err)

	path := fmt.Sprintf("/runs/%d/cancel", run.Number)
	resp, body := f.do(t, http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var view RunView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, core.RunAborted, view.Status)

	resp, body = f.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "InvalidTransition", decodeError(t, body).Code)

	resp, _ = f.do(t, http.MethodPost, "/runs/42/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStageLog(t *testing.T) {
	f := newFixture(t, Options{})
	run, err := f.reg.CreateRun(pipelines[0], core.TriggerEvent{Kind: "manual"})
	require.NoError(t, err)
	_, err = f.logs.SaveLog(run.Number, "build", []byte("compiling\nok\n"))
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/build/log", run.Number), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "compiling\nok\n", string(body))

	resp, _ = f.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/deploy/log", run.Number), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "stage has not run")
	resp, _ = f.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/lint/log", run.Number), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyLedger(t *testing.T) {
	f := newFixture(t, Options{})
	run := core.NewRun(7, pipelines[0], core.TriggerEvent{Kind: "manual"}, time.Now())
	run.Status = core.RunSucceeded
	f.ledger.RunFinished(run)

	resp, body := f.do(t, http.MethodGet, "/ledger/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		OK      bool   `json:"ok"`
		Entries int    `json:"entries"`
		Head    string `json:"head"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.OK)
	assert.Equal(t, 1, out.Entries)
	assert.Equal(t, f.ledger.LastHash(), out.Head)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	f.push(t, "main")

	resp, body := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `keelci_webhooks_total{result="queued"} 1`)
}
