package core

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParsePipeline parses YAML content into a validated PipelineDefinition.
func ParsePipeline(data []byte) (*PipelineDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pipeline PipelineDefinition
	if err := dec.Decode(&pipeline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	pipeline.Normalize()
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline YAML file and returns a validated definition.
func LoadPipeline(path string) (*PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pipeline, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pipeline, nil
}

// Normalize fills defaults. When no stage declares needs, the stages are
// chained in file order.
func (p *PipelineDefinition) Normalize() {
	declared := false
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Kind == "" {
			s.Kind = KindShell
		}
		if s.Policy == "" {
			s.Policy = AbortOnFailure
		}
		if len(s.Needs) > 0 {
			declared = true
		}
	}
	if !declared {
		for i := 1; i < len(p.Stages); i++ {
			p.Stages[i].Needs = []string{p.Stages[i-1].Name}
		}
	}
}

// Validate checks names, kinds, bindings and dependency edges, and rejects
// cyclic graphs with ErrCyclicDependency.
func (p *PipelineDefinition) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidPipeline)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: pipeline %q has no stages", ErrInvalidPipeline, p.Name)
	}
	if err := validateBindings(p.Credentials); err != nil {
		return fmt.Errorf("%w: pipeline %q: %v", ErrInvalidPipeline, p.Name, err)
	}

	names := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("%w: stage without a name", ErrInvalidPipeline)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidPipeline, s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range p.Stages {
		if err := s.validate(p); err != nil {
			return fmt.Errorf("%w: stage %q: %v", ErrInvalidPipeline, s.Name, err)
		}
		for _, dep := range s.Needs {
			if dep == s.Name {
				return fmt.Errorf("%w: stage %q needs itself", ErrCyclicDependency, s.Name)
			}
			if !names[dep] {
				return fmt.Errorf("%w: stage %q needs unknown stage %q", ErrInvalidPipeline, s.Name, dep)
			}
		}
	}
	return p.checkAcyclic()
}

func (s *StageSpec) validate(p *PipelineDefinition) error {
	switch s.Policy {
	case AbortOnFailure, ContinueOnFailure:
	default:
		return fmt.Errorf("unknown policy %q", s.Policy)
	}
	if err := validateBindings(s.Credentials); err != nil {
		return err
	}
	for k := range s.Env {
		if !envNamePattern.MatchString(k) {
			return fmt.Errorf("invalid env name %q", k)
		}
	}

	switch s.Kind {
	case KindShell:
		if strings.TrimSpace(s.Run) == "" {
			return fmt.Errorf("shell stage requires run")
		}
	case KindBuild:
		if p.Image == "" {
			return fmt.Errorf("build stage requires the pipeline image")
		}
	case KindPush:
		if p.Image == "" {
			return fmt.Errorf("push stage requires the pipeline image")
		}
	case KindDeploy:
		if s.Manifest == "" {
			return fmt.Errorf("deploy stage requires manifest")
		}
		if s.Server == "" {
			return fmt.Errorf("deploy stage requires server")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

func validateBindings(bindings []CredentialBinding) error {
	for _, b := range bindings {
		if b.Credential == "" {
			return fmt.Errorf("credential binding without credential name")
		}
		if !envNamePattern.MatchString(b.Variable) {
			return fmt.Errorf("credential %q: invalid variable %q", b.Credential, b.Variable)
		}
	}
	return nil
}

// checkAcyclic runs a depth-first search over the needs edges.
func (p *PipelineDefinition) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Stages))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range path {
				if n == name {
					start = i
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		stage, _ := p.Stage(name)
		for _, dep := range stage.Needs {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for _, s := range p.Stages {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}
