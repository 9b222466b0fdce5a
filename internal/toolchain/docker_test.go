package toolchain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/core"
)

// fakeDocker records its arguments, the login password and DOCKER_CONFIG.
const fakeDocker = `#!/bin/sh
echo "docker $*"
case "$1" in
  build) echo "Successfully built 5f3a9c1e"; ;;
  login) read pw; echo "login pw-len=${#pw} config=$DOCKER_CONFIG" ;;
  push) [ -n "$FAIL_PUSH" ] && { echo "denied: requested access to the resource is denied"; exit 1; } ;;
esac
exit 0
`

func newDocker(t *testing.T) Docker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte(fakeDocker), 0o755))
	return Docker{Binary: path}
}

func TestBuildTagsRunImage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	var out bytes.Buffer
	code, err := newDocker(t).BuildTool().Run(context.Background(), &core.Invocation{
		Image: "registry.local/webapp:42",
		Dir:   dir,
		Stage: core.StageSpec{Name: "build", Kind: core.KindBuild, Dockerfile: "Dockerfile"},
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "docker build -t registry.local/webapp:42 -f Dockerfile .")
	assert.Contains(t, out.String(), "built registry.local/webapp:42 (5f3a9c1e)")
}

func TestBuildMissingDockerfile(t *testing.T) {
	_, err := newDocker(t).BuildTool().Run(context.Background(), &core.Invocation{
		Image: "registry.local/webapp:42",
		Dir:   t.TempDir(),
		Stage: core.StageSpec{Name: "build", Kind: core.KindBuild},
	}, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrToolFailure)
}

func TestPushLogsInWithPrivateConfig(t *testing.T) {
	var out bytes.Buffer
	inv := &core.Invocation{
		Image: "registry.local:5000/webapp:42",
		Dir:   t.TempDir(),
		Stage: core.StageSpec{Name: "push", Kind: core.KindPush, RegistryCredential: "registry"},
		Secrets: map[string]core.Secret{
			"registry": {Kind: core.UsernamePassword, Username: "ci", Value: []byte("hunter2")},
		},
	}
	code, err := newDocker(t).PushTool().Run(context.Background(), inv, &out)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "docker login --username ci --password-stdin registry.local:5000")
	assert.Contains(t, out.String(), "login pw-len=7 config=")
	assert.Contains(t, out.String(), "docker push registry.local:5000/webapp:42")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestPushFailureReturnsExitCode(t *testing.T) {
	inv := &core.Invocation{
		Image: "registry.local/webapp:42",
		Dir:   t.TempDir(),
		Env:   []string{"FAIL_PUSH=1"},
		Stage: core.StageSpec{Name: "push", Kind: core.KindPush},
	}
	var out bytes.Buffer
	code, err := newDocker(t).PushTool().Run(context.Background(), inv, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "denied")
}

func TestPushRequiresUsernamePassword(t *testing.T) {
	inv := &core.Invocation{
		Image:   "registry.local/webapp:42",
		Stage:   core.StageSpec{Name: "push", Kind: core.KindPush, RegistryCredential: "registry"},
		Secrets: map[string]core.Secret{"registry": {Kind: core.Token, Value: []byte("t")}},
	}
	_, err := newDocker(t).PushTool().Run(context.Background(), inv, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrToolFailure)
}

func TestRegistryHost(t *testing.T) {
	assert.Equal(t, "registry.local", RegistryHost("registry.local/webapp:1"))
	assert.Equal(t, "localhost", RegistryHost("localhost/webapp:1"))
	assert.Equal(t, "", RegistryHost("library/nginx:1"))
	assert.Equal(t, "", RegistryHost("nginx"))
}

func TestParseImageID(t *testing.T) {
	assert.Equal(t, "abc", parseImageID("Step 1/1\nSuccessfully built abc\n"))
	assert.Equal(t, "sha256:feed", parseImageID("#5 writing image sha256:feed done\n"))
	assert.Equal(t, "", parseImageID("nothing"))
}
