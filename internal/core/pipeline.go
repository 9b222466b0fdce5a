package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineDefinition represents one configured CI/CD pipeline.
// It is read-only once a run has started: runs keep their own snapshot.
type PipelineDefinition struct {
	Name        string              `yaml:"name" json:"name"`
	Agent       string              `yaml:"agent,omitempty" json:"agent,omitempty"` // "" or "local" runs in-process, otherwise an agent URL
	Image       string              `yaml:"image,omitempty" json:"image,omitempty"` // registry repository, e.g. registry.local/app
	Tag         string              `yaml:"tag,omitempty" json:"tag,omitempty"`     // tag template, defaults to {{run_number}}
	Trigger     Trigger             `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Env         map[string]string   `yaml:"env,omitempty" json:"env,omitempty"`
	Credentials []CredentialBinding `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Timeout     Duration            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Stages      []StageSpec         `yaml:"stages" json:"stages"`
}

// Trigger selects which push events start this pipeline.
type Trigger struct {
	Repository string   `yaml:"repository,omitempty" json:"repository,omitempty"`
	Branches   []string `yaml:"branches,omitempty" json:"branches,omitempty"` // glob patterns
}

// StageKind tags the variant of a StageSpec.
type StageKind string

const (
	KindShell  StageKind = "shell"
	KindBuild  StageKind = "build"
	KindPush   StageKind = "push"
	KindDeploy StageKind = "deploy"
)

// FailurePolicy decides what a failed stage does to the rest of the run.
type FailurePolicy string

const (
	AbortOnFailure    FailurePolicy = "abort-on-failure"
	ContinueOnFailure FailurePolicy = "continue-on-failure"
)

// StageSpec is one named unit of work (checkout, build, push, deploy).
// Which fields apply depends on Kind.
type StageSpec struct {
	Name        string              `yaml:"name" json:"name"`
	Kind        StageKind           `yaml:"kind,omitempty" json:"kind,omitempty"`
	Needs       []string            `yaml:"needs,omitempty" json:"needs,omitempty"`
	Policy      FailurePolicy       `yaml:"policy,omitempty" json:"policy,omitempty"`
	Credentials []CredentialBinding `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Env         map[string]string   `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout     Duration            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	GracePeriod Duration            `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`

	// shell
	Run string `yaml:"run,omitempty" json:"run,omitempty"`

	// build
	Dockerfile string `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Context    string `yaml:"context,omitempty" json:"context,omitempty"`

	// push
	RegistryCredential string `yaml:"registry_credential,omitempty" json:"registry_credential,omitempty"`

	// deploy
	Manifest          string `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	Server            string `yaml:"server,omitempty" json:"server,omitempty"`
	ClusterCredential string `yaml:"cluster_credential,omitempty" json:"cluster_credential,omitempty"`
	Container         string `yaml:"container,omitempty" json:"container,omitempty"`
}

// CredentialBinding grants one credential to a stage under an env variable.
type CredentialBinding struct {
	Credential string `yaml:"credential" json:"credential"`
	Variable   string `yaml:"variable" json:"variable"`
}

// Stage returns the named stage spec.
func (p *PipelineDefinition) Stage(name string) (*StageSpec, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// EffectivePolicy returns the stage policy, abort-on-failure when unset.
func (s *StageSpec) EffectivePolicy() FailurePolicy {
	if s.Policy == "" {
		return AbortOnFailure
	}
	return s.Policy
}

// CredentialNames lists every credential the stage needs, in declaration order.
func (s *StageSpec) CredentialNames() []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, b := range s.Credentials {
		add(b.Credential)
	}
	add(s.RegistryCredential)
	add(s.ClusterCredential)
	return names
}

// Duration is a time.Duration written as "30s" / "5m" in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return json.Marshal("")
	}
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}
