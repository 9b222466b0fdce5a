// Package catalog loads pipeline definitions from a directory of YAML files.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"keelci/internal/core"
)

// ErrInvalidPipelines marks a load that left out one or more definitions.
// The catalog still serves the valid ones.
var ErrInvalidPipelines = errors.New("invalid pipeline definitions")

type Catalog struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	defs    map[string]core.PipelineDefinition
	sources map[string]string
}

// Load reads every *.yaml and *.yml file in dir. Invalid files are left
// out and reported in the returned error; the valid ones are still served.
func Load(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{dir: dir, logger: logger, defs: map[string]core.PipelineDefinition{}, sources: map[string]string{}}
	return c, c.Reload()
}

// Reload re-reads the directory and swaps in the new set atomically.
// Runs already started keep the definition they were created with.
func (c *Catalog) Reload() error {
	files, err := pipelineFiles(c.dir)
	if err != nil {
		return err
	}

	defs := make(map[string]core.PipelineDefinition, len(files))
	sources := make(map[string]string, len(files))
	var errs []error
	for _, file := range files {
		def, err := core.LoadPipeline(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, ok := sources[def.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: pipeline %q already defined in %s: %w",
				file, def.Name, prev, core.ErrDuplicateNameConflict))
			continue
		}
		defs[def.Name] = *def
		sources[def.Name] = file
	}

	c.mu.Lock()
	c.defs, c.sources = defs, sources
	c.mu.Unlock()

	for _, err := range errs {
		c.logger.Error("invalid pipeline definition", zap.Error(err))
	}
	c.logger.Info("pipelines loaded", zap.String("dir", c.dir), zap.Int("pipelines", len(defs)), zap.Int("invalid", len(errs)))
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPipelines, errors.Join(errs...))
	}
	return nil
}

func (c *Catalog) Get(name string) (core.PipelineDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// List returns every definition ordered by name.
func (c *Catalog) List() []core.PipelineDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.PipelineDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Source returns the file a pipeline was loaded from.
func (c *Catalog) Source(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[name]
}

func isPipelineFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}

func pipelineFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipelines dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isPipelineFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
