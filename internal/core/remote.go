package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AgentRequest is what the orchestrator sends to a keelci agent's /run.
type AgentRequest struct {
	Run           uint64   `json:"run"`
	Pipeline      string   `json:"pipeline"`
	Stage         string   `json:"stage"`
	Command       string   `json:"cmd"`
	Env           []string `json:"env,omitempty"`
	GracePeriodMS int64    `json:"gracePeriodMs,omitempty"`
	// Files are file credentials the agent writes to its own disk, exporting
	// each path under the variable name.
	Files map[string][]byte `json:"files,omitempty"`
}

// AgentResponse is the agent's reply once the command finished.
type AgentResponse struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// RemoteTool runs shell stages on a keelci agent. Cancelling ctx aborts the
// HTTP request, which the agent turns into termination of the process.
type RemoteTool struct {
	Token string // sent as a bearer token when set

	baseURL string
	client  *http.Client
}

func NewRemoteTool(agent string) *RemoteTool {
	return &RemoteTool{baseURL: strings.TrimRight(agent, "/"), client: &http.Client{}}
}

func (t *RemoteTool) Run(ctx context.Context, inv *Invocation, out io.Writer) (int, error) {
	if (len(inv.Secrets) > 0 || len(inv.Files) > 0) && !t.private() {
		return -1, fmt.Errorf("%w: refusing to send credentials to agent %s over plain http", ErrToolFailure, t.baseURL)
	}
	body, err := json.Marshal(AgentRequest{
		Run:           inv.Run,
		Pipeline:      inv.Pipeline,
		Stage:         inv.Stage.Name,
		Command:       inv.Stage.Run,
		Env:           remoteEnv(inv.Env, inv.Files),
		GracePeriodMS: inv.GracePeriod.Milliseconds(),
		Files:         inv.Files,
	})
	if err != nil {
		return -1, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return -1, fmt.Errorf("%w: agent request: %v", ErrToolFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("%w: agent %s: %v", ErrToolFailure, t.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return -1, fmt.Errorf("%w: agent %s returned %d: %s", ErrToolFailure, t.baseURL, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return -1, fmt.Errorf("%w: decoding agent response: %v", ErrToolFailure, err)
	}
	_, _ = io.WriteString(out, result.Output)
	if result.Error != "" {
		return result.ExitCode, fmt.Errorf("%w: %s", ErrToolFailure, result.Error)
	}
	return result.ExitCode, nil
}

// private reports whether credentials may travel to the agent: over TLS,
// or over plain http to a loopback address.
func (t *RemoteTool) private() bool {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// remoteEnv drops variables that point at local credential files; the
// agent sets them to its own copies.
func remoteEnv(env []string, files map[string][]byte) []string {
	if len(files) == 0 {
		return env
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, local := files[name]; local {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// GracePeriod decodes the request's grace period.
func (r AgentRequest) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodMS) * time.Millisecond
}
