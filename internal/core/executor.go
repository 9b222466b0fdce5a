package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"keelci/pkg/utils"
)

const (
	DefaultStageTimeout = 30 * time.Minute
	DefaultOutputLimit  = 1 << 20
	outputTailSize      = 8 << 10
	redacted            = "****"
)

// Tool runs one stage kind against an external system. Output goes to out;
// the returned exit code is 0 on success.
type Tool interface {
	Run(ctx context.Context, inv *Invocation, out io.Writer) (int, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, inv *Invocation, out io.Writer) (int, error)

func (f ToolFunc) Run(ctx context.Context, inv *Invocation, out io.Writer) (int, error) {
	return f(ctx, inv, out)
}

// Invocation is everything a tool sees for one stage execution. Secrets
// are only valid until Run returns.
type Invocation struct {
	Run         uint64
	Pipeline    string
	Stage       StageSpec
	Image       string
	Env         []string
	Dir         string
	GracePeriod time.Duration
	Secrets     map[string]Secret
	// Files holds the contents of file credentials keyed by the variable
	// whose value in Env is the path they were written to.
	Files map[string][]byte
}

// Secret returns a credential granted to this stage.
func (inv *Invocation) Secret(name string) (Secret, bool) {
	s, ok := inv.Secrets[name]
	return s, ok
}

// ExecRequest describes one stage to execute.
type ExecRequest struct {
	Run            uint64
	Pipeline       string
	Agent          string
	Stage          StageSpec
	Bindings       []CredentialBinding // pipeline-level followed by stage-level
	Env            map[string]string
	Vars           Vars
	Image          string
	WorkDir        string
	DefaultTimeout time.Duration
}

// LogSink persists the captured output of a stage and returns a reference.
type LogSink interface {
	SaveLog(run uint64, stage string, output []byte) (string, error)
}

// ExecutorConfig bounds stage execution.
type ExecutorConfig struct {
	OutputLimit    int
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
}

// Executor is responsible for running stages. Execute never returns an
// error: every failure is encoded in the StageResult.
type Executor struct {
	cfg         ExecutorConfig
	credentials CredentialResolver
	logs        LogSink
	logger      *zap.Logger
	tools       map[StageKind]Tool
	remote      func(agent string) Tool
	now         func() time.Time
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithTool registers the tool used for a stage kind.
func WithTool(kind StageKind, tool Tool) ExecutorOption {
	return func(e *Executor) { e.tools[kind] = tool }
}

// WithRemote sets how shell stages of pipelines with a remote agent run.
func WithRemote(factory func(agent string) Tool) ExecutorOption {
	return func(e *Executor) { e.remote = factory }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(cfg ExecutorConfig, credentials CredentialResolver, logs LogSink, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStageTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:         cfg,
		credentials: credentials,
		logs:        logs,
		logger:      logger,
		tools:       map[StageKind]Tool{KindShell: ShellTool{}},
		remote:      func(agent string) Tool { return NewRemoteTool(agent) },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShellTool runs a stage's command with sh -c.
type ShellTool struct{}

func (ShellTool) Run(ctx context.Context, inv *Invocation, out io.Writer) (int, error) {
	return RunCommand(ctx, []string{"sh", "-c", inv.Stage.Run}, inv.Env, inv.Dir, inv.GracePeriod, out)
}

type grant struct {
	name   string
	handle CredentialHandle
}

// Execute runs one stage and returns its result.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (result StageResult) {
	stage := expandStage(req.Stage, req.Vars)
	result = StageResult{Name: stage.Name, Status: StageRunning, StartedAt: e.now()}
	log := e.logger.With(zap.String("pipeline", req.Pipeline), zap.Uint64("run", req.Run), zap.String("stage", stage.Name))

	defer func() {
		if p := recover(); p != nil {
			log.Error("stage panicked", zap.Any("panic", p))
			result.Status = StageFailed
			result.Reason = ReasonToolFailure
			result.ExitCode = -1
			result.Detail = fmt.Sprintf("panic: %v", p)
			result.FinishedAt = e.now()
		}
	}()

	tool, err := e.toolFor(stage.Kind, req.Agent)
	if err != nil {
		return e.fail(result, err)
	}

	requester := Requester{Run: req.Run, Pipeline: req.Pipeline, Stage: stage.Name}
	grants, err := e.resolve(stage, req.Bindings, requester)
	if err != nil {
		return e.fail(result, err)
	}
	for _, g := range grants {
		result.Credentials = append(result.Credentials, g.name)
	}

	scratch, err := os.MkdirTemp("", "keelci-stage-*")
	if err != nil {
		return e.fail(result, fmt.Errorf("creating stage scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	workDir := req.WorkDir
	if workDir == "" {
		workDir = scratch
	}

	log.Info("stage started", zap.String("kind", string(stage.Kind)), zap.Strings("credentials", result.Credentials))

	var output []byte
	secrets := make(map[string]Secret, len(grants))
	err = acquire(grants, secrets, func() error {
		bound, err := bindEnvironment(req, stage, secrets, scratch)
		if err != nil {
			return err
		}
		values := bound.redact

		timeout := stage.Timeout.Std()
		if timeout <= 0 {
			timeout = req.DefaultTimeout
		}
		if timeout <= 0 {
			timeout = e.cfg.DefaultTimeout
		}
		grace := stage.GracePeriod.Std()
		if grace <= 0 {
			grace = e.cfg.GracePeriod
		}

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		buf := NewCappedBuffer(e.cfg.OutputLimit)
		inv := &Invocation{
			Run:         req.Run,
			Pipeline:    req.Pipeline,
			Stage:       stage,
			Image:       req.Image,
			Env:         bound.env,
			Dir:         workDir,
			GracePeriod: grace,
			Secrets:     secrets,
			Files:       bound.files,
		}
		exitCode, runErr := tool.Run(stageCtx, inv, buf)
		clear(bound.files)

		result.ExitCode = exitCode
		result.Truncated = buf.Truncated()
		output = redact(buf.Bytes(), values)

		switch {
		case runErr == nil && exitCode == 0:
			result.Status = StageSucceeded
		case ctx.Err() != nil:
			result.Status = StageFailed
			result.Reason = ReasonAborted
			result.Detail = "stage terminated: run cancelled"
		case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
			result.Status = StageFailed
			result.Reason = ReasonTimeout
			result.Detail = fmt.Sprintf("stage exceeded timeout of %s", timeout)
		case runErr != nil:
			result.Status = StageFailed
			result.Reason = ReasonFor(runErr)
			result.Detail = string(redact([]byte(runErr.Error()), values))
		default:
			result.Status = StageFailed
			result.Reason = ReasonToolFailure
			result.Detail = fmt.Sprintf("exit code %d", exitCode)
		}
		return nil
	})
	if err != nil {
		return e.fail(result, err)
	}

	result.OutputDigest = utils.HashBytes(output)
	result.Output = tail(output, outputTailSize)
	if e.logs != nil {
		ref, err := e.logs.SaveLog(req.Run, stage.Name, output)
		if err != nil {
			log.Warn("cannot save stage log", zap.Error(err))
		} else {
			result.OutputRef = ref
		}
	}
	result.FinishedAt = e.now()

	log.Info("stage finished",
		zap.String("status", string(result.Status)),
		zap.String("reason", string(result.Reason)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result
}

func (e *Executor) fail(result StageResult, err error) StageResult {
	result.Status = StageFailed
	result.Reason = ReasonFor(err)
	result.ExitCode = -1
	result.Detail = err.Error()
	result.FinishedAt = e.now()
	e.logger.Warn("stage failed before execution", zap.String("stage", result.Name), zap.Error(err))
	return result
}

func (e *Executor) toolFor(kind StageKind, agent string) (Tool, error) {
	if kind == KindShell && agent != "" && agent != "local" && e.remote != nil {
		return e.remote(agent), nil
	}
	tool, ok := e.tools[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no tool registered for %s stages", ErrToolFailure, kind)
	}
	return tool, nil
}

// resolve asks for one handle per credential the stage declares.
func (e *Executor) resolve(stage StageSpec, bindings []CredentialBinding, requester Requester) ([]grant, error) {
	var names []string
	seen := map[string]bool{}
	for _, b := range bindings {
		if !seen[b.Credential] {
			seen[b.Credential] = true
			names = append(names, b.Credential)
		}
	}
	for _, name := range stage.CredentialNames() {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	if e.credentials == nil {
		return nil, fmt.Errorf("credential %q: %w", names[0], ErrNotFound)
	}

	grants := make([]grant, 0, len(names))
	for _, name := range names {
		handle, err := e.credentials.Resolve(name, requester)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", name, err)
		}
		grants = append(grants, grant{name: name, handle: handle})
	}
	return grants, nil
}

// acquire nests one Use block per grant so every secret is live while fn
// runs and revoked on the way out.
func acquire(grants []grant, secrets map[string]Secret, fn func() error) error {
	if len(grants) == 0 {
		return fn()
	}
	g := grants[0]
	return g.handle.Use(func(s Secret) error {
		secrets[g.name] = s
		defer delete(secrets, g.name)
		return acquire(grants[1:], secrets, fn)
	})
}

type binding struct {
	env    []string
	redact []string
	files  map[string][]byte
}

// bindEnvironment builds the additional environment for the stage and the
// list of secret strings to redact from its output.
func bindEnvironment(req ExecRequest, stage StageSpec, secrets map[string]Secret, scratch string) (binding, error) {
	env := make(map[string]string)
	for k, v := range req.Vars.Environment() {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = req.Vars.Expand(v)
	}
	for k, v := range stage.Env {
		env[k] = v
	}

	var values []string
	files := make(map[string][]byte)
	bindings := append(append([]CredentialBinding{}, req.Bindings...), stage.Credentials...)
	for _, b := range bindings {
		secret, ok := secrets[b.Credential]
		if !ok {
			return binding{}, fmt.Errorf("credential %q: %w", b.Credential, ErrNotFound)
		}
		switch secret.Kind {
		case UsernamePassword:
			password := string(secret.Value)
			env[b.Variable] = secret.Username + ":" + password
			env[b.Variable+"_USR"] = secret.Username
			env[b.Variable+"_PSW"] = password
			values = append(values, secret.Username+":"+password, password)
		case Token:
			env[b.Variable] = string(secret.Value)
			values = append(values, string(secret.Value))
		case File, SSHKey:
			path := filepath.Join(scratch, b.Variable)
			if err := os.WriteFile(path, secret.Value, 0o600); err != nil {
				return binding{}, fmt.Errorf("materializing credential %q: %w", b.Credential, err)
			}
			env[b.Variable] = path
			files[b.Variable] = secret.Value
			values = append(values, string(secret.Value))
			for _, line := range strings.Split(string(secret.Value), "\n") {
				if line = strings.TrimSpace(line); len(line) >= 8 {
					values = append(values, line)
				}
			}
		}
	}
	// registry and cluster credentials reach tools directly, never the env
	for _, name := range []string{stage.RegistryCredential, stage.ClusterCredential} {
		if secret, ok := secrets[name]; ok && name != "" {
			values = append(values, string(secret.Value))
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return binding{env: list, redact: values, files: files}, nil
}

func expandStage(spec StageSpec, vars Vars) StageSpec {
	s := spec
	s.Run = vars.ExpandShell(spec.Run)
	s.Dockerfile = vars.Expand(spec.Dockerfile)
	s.Context = vars.Expand(spec.Context)
	s.Manifest = vars.Expand(spec.Manifest)
	s.Server = vars.Expand(spec.Server)
	s.Container = vars.Expand(spec.Container)
	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = vars.Expand(v)
		}
	}
	return s
}

// redact replaces every non-empty secret value with a fixed mask. Longer
// values go first so a password never survives inside a user:password pair.
func redact(output []byte, values []string) []byte {
	if len(values) == 0 {
		return output
	}
	sorted := append([]string(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	text := string(output)
	for _, v := range sorted {
		if v == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, redacted)
	}
	return []byte(text)
}

func tail(output []byte, n int) string {
	if len(output) <= n {
		return string(output)
	}
	return string(output[len(output)-n:])
}
