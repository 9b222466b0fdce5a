package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"keelci/internal/core"
)

// Tool runs deploy stages: render the manifest for the run's image, then
// apply it with the stage's cluster token.
type Tool struct {
	applier *Applier
}

func NewTool(applier *Applier) *Tool {
	if applier == nil {
		applier = NewApplier(nil)
	}
	return &Tool{applier: applier}
}

func (t *Tool) Run(ctx context.Context, inv *core.Invocation, out io.Writer) (int, error) {
	stage := inv.Stage
	manifestPath := stage.Manifest
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(inv.Dir, manifestPath)
	}
	template, err := os.ReadFile(manifestPath)
	if err != nil {
		return -1, fmt.Errorf("%w: reading manifest: %v", core.ErrToolFailure, err)
	}

	rendered, err := Render(template, inv.Image, stage.Container)
	if err != nil {
		return -1, err
	}
	fmt.Fprintf(out, "rendered %s for %s\n", stage.Manifest, inv.Image)

	token := ""
	if stage.ClusterCredential != "" {
		secret, ok := inv.Secret(stage.ClusterCredential)
		if !ok {
			return -1, fmt.Errorf("cluster credential %q: %w", stage.ClusterCredential, core.ErrNotFound)
		}
		if secret.Kind != core.Token {
			return -1, fmt.Errorf("%w: cluster credential %q must be a Token, got %s",
				core.ErrToolFailure, stage.ClusterCredential, secret.Kind)
		}
		token = string(secret.Value)
	}

	applied, err := t.applier.Apply(ctx, stage.Server, rendered, token)
	for _, obj := range applied {
		fmt.Fprintf(out, "%s configured\n", obj)
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
