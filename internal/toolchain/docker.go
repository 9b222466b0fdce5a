// Package toolchain adapts the docker CLI to the build and push stage kinds.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"keelci/internal/core"
)

// Docker drives a docker-compatible CLI (docker, podman).
type Docker struct {
	Binary string
}

func (d Docker) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// BuildTool returns the tool for build stages.
func (d Docker) BuildTool() core.Tool { return buildTool{d} }

// PushTool returns the tool for push stages.
func (d Docker) PushTool() core.Tool { return pushTool{d} }

type buildTool struct{ docker Docker }

// Run builds the stage's Dockerfile and tags it with the run's image reference.
func (t buildTool) Run(ctx context.Context, inv *core.Invocation, out io.Writer) (int, error) {
	if inv.Image == "" {
		return -1, fmt.Errorf("%w: run has no image reference", core.ErrToolFailure)
	}
	if _, err := os.Stat(dockerfilePath(inv.Dir, inv.Stage.Dockerfile)); err != nil {
		return -1, fmt.Errorf("%w: %v", core.ErrToolFailure, err)
	}
	args := []string{t.docker.binary(), "build", "-t", inv.Image}
	if inv.Stage.Dockerfile != "" {
		args = append(args, "-f", inv.Stage.Dockerfile)
	}
	contextDir := inv.Stage.Context
	if contextDir == "" {
		contextDir = "."
	}
	args = append(args, contextDir)

	var captured bytes.Buffer
	code, err := core.RunCommand(ctx, args, inv.Env, inv.Dir, inv.GracePeriod, io.MultiWriter(out, &captured))
	if err != nil || code != 0 {
		return code, err
	}
	if id := parseImageID(captured.String()); id != "" {
		fmt.Fprintf(out, "built %s (%s)\n", inv.Image, id)
	}
	return 0, nil
}

type pushTool struct{ docker Docker }

// Run pushes the run's image. With a registry credential it logs in first
// using a DOCKER_CONFIG private to this stage, so the token never lands in
// the user's docker config.
func (t pushTool) Run(ctx context.Context, inv *core.Invocation, out io.Writer) (int, error) {
	if inv.Image == "" {
		return -1, fmt.Errorf("%w: run has no image reference", core.ErrToolFailure)
	}

	configDir, err := os.MkdirTemp("", "keelci-docker-*")
	if err != nil {
		return -1, err
	}
	defer os.RemoveAll(configDir)
	env := append(append([]string(nil), inv.Env...), "DOCKER_CONFIG="+configDir)

	if name := inv.Stage.RegistryCredential; name != "" {
		secret, ok := inv.Secret(name)
		if !ok {
			return -1, fmt.Errorf("registry credential %q: %w", name, core.ErrNotFound)
		}
		if secret.Kind != core.UsernamePassword {
			return -1, fmt.Errorf("%w: registry credential %q must be UsernamePassword, got %s",
				core.ErrToolFailure, name, secret.Kind)
		}
		args := []string{t.docker.binary(), "login", "--username", secret.Username, "--password-stdin"}
		if host := RegistryHost(inv.Image); host != "" {
			args = append(args, host)
		}
		code, err := core.RunCommandInput(ctx, args, env, inv.Dir, inv.GracePeriod, bytes.NewReader(secret.Value), out)
		if err != nil || code != 0 {
			return code, err
		}
	}

	return core.RunCommand(ctx, []string{t.docker.binary(), "push", inv.Image}, env, inv.Dir, inv.GracePeriod, out)
}

// RegistryHost returns the registry part of an image reference, or "" for
// Docker Hub images.
func RegistryHost(image string) string {
	first, _, found := strings.Cut(image, "/")
	if !found {
		return ""
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return ""
}

// parseImageID extracts the image ID from build output.
func parseImageID(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "Successfully built ") {
			return strings.TrimPrefix(line, "Successfully built ")
		}
		if idx := strings.Index(line, "sha256:"); idx >= 0 {
			return strings.Fields(line[idx:])[0]
		}
	}
	return ""
}

// dockerfilePath resolves a stage's Dockerfile against the workspace.
func dockerfilePath(dir, dockerfile string) string {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if filepath.IsAbs(dockerfile) {
		return dockerfile
	}
	return filepath.Join(dir, dockerfile)
}
