package deploy

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/core"
	"keelci/internal/credentials"
	"keelci/internal/registry"
)

const webDeployment = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: webapp
  namespace: shop
spec:
  template:
    spec:
      containers:
        - name: web
          image: registry.local/webapp:old
`

// A pushed commit flows through the registry, the engine and the real
// executor, and the cluster receives the image tagged with the run number.
func TestDeliveryRunDeploysRunNumberTag(t *testing.T) {
	cluster := &fakeCluster{}
	srv := httptest.NewServer(cluster)
	defer srv.Close()

	creds, err := credentials.Open(nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, creds.Put("cluster", credentials.Record{Kind: core.Token, Value: []byte("tkn")}, false))

	runs := registry.New(registry.NewMemoryStore(), nil)
	defer runs.Close()
	executor := core.NewExecutor(core.ExecutorConfig{}, creds, nil, nil,
		core.WithTool(core.KindDeploy, NewTool(NewApplier(srv.Client()))))
	engine := core.NewEngine(core.EngineConfig{Workers: 1, WorkspaceRoot: t.TempDir(), CleanupWorkspace: true}, runs, executor, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	}()

	def := core.PipelineDefinition{
		Name:  "webapp",
		Image: "registry.local/webapp",
		Env:   map[string]string{"MANIFEST": webDeployment},
		Stages: []core.StageSpec{
			{Name: "checkout", Run: `printf '%s' "$MANIFEST" > deploy.yaml`},
			{Name: "deploy", Kind: core.KindDeploy, Manifest: "deploy.yaml", Server: srv.URL, ClusterCredential: "cluster"},
		},
	}
	def.Normalize()

	for _, sha := range []string{"c0ffee1", "c0ffee2"} {
		run, err := runs.CreateRun(def, core.TriggerEvent{Kind: "push", Branch: "main", CommitSHA: sha})
		require.NoError(t, err)
		engine.Enqueue(run)
		engine.Wait()

		done, err := runs.Get(run.Number)
		require.NoError(t, err)
		require.Equal(t, core.RunSucceeded, done.Status, "%+v", done.Stages)
	}

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	require.Len(t, cluster.calls, 2)
	for i, call := range cluster.calls {
		assert.Equal(t, "/apis/apps/v1/namespaces/shop/deployments/webapp", call.Path)
		assert.Equal(t, "Bearer tkn", call.Auth)
		assert.Equal(t, map[string]string{"web": "registry.local/webapp:" + []string{"1", "2"}[i]}, containerImages(t, call.Body))
	}
}
