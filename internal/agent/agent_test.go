package agent

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/core"
)

func newAgent(t *testing.T, cfg Config) (*httptest.Server, string) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	srv := httptest.NewServer(New(cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, cfg.WorkDir
}

func invocation(cmd string) *core.Invocation {
	return &core.Invocation{
		Run:      3,
		Pipeline: "webapp",
		Stage:    core.StageSpec{Name: "test", Run: cmd},
		Env:      []string{"GREETING=hello"},
	}
}

func TestRemoteToolRunsOnAgent(t *testing.T) {
	srv, workDir := newAgent(t, Config{})

	var out bytes.Buffer
	code, err := core.NewRemoteTool(srv.URL).Run(context.Background(), invocation(`echo "$GREETING from $(pwd)"; touch marker`), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	dir := filepath.Join(workDir, "webapp", "3")
	assert.Contains(t, out.String(), "hello from ")
	assert.FileExists(t, filepath.Join(dir, "marker"))
}

func TestRemoteToolExitCode(t *testing.T) {
	srv, _ := newAgent(t, Config{})

	var out bytes.Buffer
	code, err := core.NewRemoteTool(srv.URL).Run(context.Background(), invocation("echo broken >&2; exit 4"), &out)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "broken\n", out.String())
}

func TestRemoteToolOutputIsCapped(t *testing.T) {
	srv, _ := newAgent(t, Config{OutputLimit: 16})

	var out bytes.Buffer
	_, err := core.NewRemoteTool(srv.URL).Run(context.Background(), invocation("head -c 1000 /dev/zero | tr '\\0' x"), &out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), strings.Repeat("x", 16)))
	assert.Contains(t, out.String(), "984 bytes dropped")
}

func TestRemoteToolCancellation(t *testing.T) {
	srv, workDir := newAgent(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := core.NewRemoteTool(srv.URL).Run(ctx, invocation("sleep 30"), &bytes.Buffer{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)

	_, statErr := os.Stat(filepath.Join(workDir, "webapp", "3"))
	assert.NoError(t, statErr)
}

func TestAgentToken(t *testing.T) {
	srv, _ := newAgent(t, Config{Token: "agent-token"})

	_, err := core.NewRemoteTool(srv.URL).Run(context.Background(), invocation("true"), &bytes.Buffer{})
	require.ErrorIs(t, err, core.ErrToolFailure)
	assert.Contains(t, err.Error(), "401")

	tool := core.NewRemoteTool(srv.URL)
	tool.Token = "agent-token"
	code, err := tool.Run(context.Background(), invocation("true"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	srv, _ := newAgent(t, Config{})
	resp, err := http.Post(srv.URL+"/run", "application/json", strings.NewReader(`{"run":1,"pipeline":"p","stage":"s"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoteToolShipsFileCredentials(t *testing.T) {
	srv, _ := newAgent(t, Config{})

	inv := invocation(`cat "$KUBECONFIG"; echo; echo "path=$KUBECONFIG"`)
	inv.Env = append(inv.Env, "KUBECONFIG=/orchestrator/scratch/KUBECONFIG")
	inv.Files = map[string][]byte{"KUBECONFIG": []byte("kind: Config")}

	var out bytes.Buffer
	code, err := core.NewRemoteTool(srv.URL).Run(context.Background(), inv, &out)
	require.NoError(t, err)
	require.Equal(t, 0, code, out.String())

	assert.Contains(t, out.String(), "kind: Config")
	_, path, ok := strings.Cut(out.String(), "path=")
	require.True(t, ok)
	path = strings.TrimSpace(path)
	assert.NotEqual(t, "/orchestrator/scratch/KUBECONFIG", path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "credential file removed after the stage")
}

func TestRunRejectsBadFileVariable(t *testing.T) {
	srv, _ := newAgent(t, Config{})

	inv := invocation("true")
	inv.Files = map[string][]byte{"../escape": []byte("x")}
	_, err := core.NewRemoteTool(srv.URL).Run(context.Background(), inv, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrToolFailure)
}

func TestRemoteToolKeepsCredentialsOffPlainHTTP(t *testing.T) {
	inv := invocation("true")
	inv.Secrets = map[string]core.Secret{"token": {Kind: core.Token, Value: []byte("t0ken")}}

	_, err := core.NewRemoteTool("http://agent.example:9090").Run(context.Background(), inv, &bytes.Buffer{})
	require.ErrorIs(t, err, core.ErrToolFailure)
	assert.Contains(t, err.Error(), "plain http")
}
