package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"keelci/internal/server"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx reply from the orchestrator.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newClient(opts *options) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(opts.server, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v, err = io.ReadAll(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *apiClient) trigger(ctx context.Context, pipeline, branch, sha string) (server.Queued, error) {
	var q server.Queued
	err := c.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(pipeline)+"/runs",
		server.TriggerRequest{Branch: branch, CommitSHA: sha}, &q)
	return q, err
}

func (c *apiClient) run(ctx context.Context, id uint64) (server.RunView, error) {
	var v server.RunView
	err := c.do(ctx, http.MethodGet, "/runs/"+strconv.FormatUint(id, 10), nil, &v)
	return v, err
}

func (c *apiClient) history(ctx context.Context, pipeline, status string, limit int) ([]server.RunView, error) {
	q := url.Values{}
	if pipeline != "" {
		q.Set("pipeline", pipeline)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var views []server.RunView
	err := c.do(ctx, http.MethodGet, path, nil, &views)
	return views, err
}

func (c *apiClient) cancel(ctx context.Context, id uint64) (server.RunView, error) {
	var v server.RunView
	err := c.do(ctx, http.MethodPost, "/runs/"+strconv.FormatUint(id, 10)+"/cancel", nil, &v)
	return v, err
}

func (c *apiClient) stageLog(ctx context.Context, id uint64, stage string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, http.MethodGet, "/runs/"+strconv.FormatUint(id, 10)+"/stages/"+url.PathEscape(stage)+"/log", nil, &out)
	return out, err
}
