package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"keelci/internal/core"
)

const (
	FieldManager     = "keelci"
	applyContentType = "application/apply-patch+yaml"
	defaultNamespace = "default"
)

var clusterScoped = map[string]bool{
	"Namespace":                true,
	"Node":                     true,
	"PersistentVolume":         true,
	"StorageClass":             true,
	"ClusterRole":              true,
	"ClusterRoleBinding":       true,
	"CustomResourceDefinition": true,
}

// Applied names one object accepted by the cluster.
type Applied struct {
	Kind      string
	Namespace string
	Name      string
}

func (a Applied) String() string {
	if a.Namespace == "" {
		return strings.ToLower(a.Kind) + "/" + a.Name
	}
	return a.Namespace + "/" + strings.ToLower(a.Kind) + "/" + a.Name
}

// Applier sends manifests to a Kubernetes API server with server-side apply.
type Applier struct {
	client *http.Client
}

func NewApplier(client *http.Client) *Applier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Applier{client: client}
}

// Apply applies every document of manifest in order, stopping at the first
// rejection. A rejection carries the API's status message and wraps
// ErrDeployRejected. Nothing is retried.
func (a *Applier) Apply(ctx context.Context, server string, manifest []byte, token string) ([]Applied, error) {
	docs, err := decodeDocuments(manifest)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: manifest is empty", core.ErrDeployRejected)
	}

	var applied []Applied
	for _, doc := range docs {
		obj := unstructured.Unstructured{Object: doc}
		target, endpoint, err := resourceURL(server, &obj)
		if err != nil {
			return applied, err
		}
		body, err := yaml.Marshal(doc)
		if err != nil {
			return applied, fmt.Errorf("encoding %s: %w", target, err)
		}
		if err := a.patch(ctx, endpoint, body, token); err != nil {
			return applied, fmt.Errorf("applying %s: %w", target, err)
		}
		applied = append(applied, target)
	}
	return applied, nil
}

func (a *Applier) patch(ctx context.Context, endpoint string, body []byte, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", applyContentType)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", core.ErrDeployRejected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var status metav1.Status
	if err := json.Unmarshal(raw, &status); err == nil && status.Message != "" {
		return fmt.Errorf("%w: %d %s: %s", core.ErrDeployRejected, resp.StatusCode, status.Reason, status.Message)
	}
	return fmt.Errorf("%w: %d %s", core.ErrDeployRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
}

// resourceURL builds the apply endpoint for obj, guessing the plural
// resource from its kind.
func resourceURL(server string, obj *unstructured.Unstructured) (Applied, string, error) {
	kind, name := obj.GetKind(), obj.GetName()
	if obj.GetAPIVersion() == "" || kind == "" || name == "" {
		return Applied{}, "", fmt.Errorf("%w: document needs apiVersion, kind and metadata.name", core.ErrDeployRejected)
	}
	gv, err := schema.ParseGroupVersion(obj.GetAPIVersion())
	if err != nil {
		return Applied{}, "", fmt.Errorf("%w: %v", core.ErrDeployRejected, err)
	}
	gvr, _ := meta.UnsafeGuessKindToResource(gv.WithKind(kind))

	target := Applied{Kind: kind, Name: name}
	segments := []string{"/api", gvr.Version}
	if gvr.Group != "" {
		segments = []string{"/apis", gvr.Group, gvr.Version}
	}
	if !clusterScoped[kind] {
		target.Namespace = obj.GetNamespace()
		if target.Namespace == "" {
			target.Namespace = defaultNamespace
		}
		segments = append(segments, "namespaces", target.Namespace)
	}
	segments = append(segments, gvr.Resource, name)

	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || base.Host == "" {
		return Applied{}, "", fmt.Errorf("%w: invalid cluster server %q", core.ErrDeployRejected, server)
	}
	base.Path = path.Join(append([]string{base.Path}, segments...)...)
	base.RawQuery = url.Values{"fieldManager": {FieldManager}, "force": {"true"}}.Encode()
	return target, base.String(), nil
}
