// Package deploy rewrites Kubernetes manifests to a run's image and applies
// them to a cluster.
package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"keelci/internal/core"
)

// podSpecPaths locates the pod template of each workload kind.
var podSpecPaths = map[string][]string{
	"Pod":                   {"spec"},
	"Deployment":            {"spec", "template", "spec"},
	"StatefulSet":           {"spec", "template", "spec"},
	"DaemonSet":             {"spec", "template", "spec"},
	"ReplicaSet":            {"spec", "template", "spec"},
	"ReplicationController": {"spec", "template", "spec"},
	"Job":                   {"spec", "template", "spec"},
	"CronJob":               {"spec", "jobTemplate", "spec", "template", "spec"},
}

// Render points a manifest at imageRef. Templates using {{image}} are
// substituted directly; otherwise every container image of every workload
// document is replaced, or only the container named by container. Render is
// pure: the same input always yields the same bytes, and rendering its own
// output again changes nothing.
func Render(template []byte, imageRef, container string) ([]byte, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("%w: no image reference for this run", core.ErrMissingPlaceholder)
	}
	if hasImageTag(template) {
		out := fasttemplate.ExecuteFuncString(string(template), "{{", "}}", func(w io.Writer, tag string) (int, error) {
			if strings.TrimSpace(tag) == "image" {
				return w.Write([]byte(imageRef))
			}
			return w.Write([]byte("{{" + tag + "}}"))
		})
		return []byte(out), nil
	}

	docs, err := decodeDocuments(template)
	if err != nil {
		return nil, err
	}
	replaced := 0
	for _, doc := range docs {
		n, err := setImages(doc, imageRef, container)
		if err != nil {
			return nil, err
		}
		replaced += n
	}
	if replaced == 0 {
		if container != "" {
			return nil, fmt.Errorf("%w: no container %q in manifest", core.ErrMissingPlaceholder, container)
		}
		return nil, fmt.Errorf("%w: manifest has no {{image}} and no container images", core.ErrMissingPlaceholder)
	}
	return encodeDocuments(docs)
}

func hasImageTag(template []byte) bool {
	found := false
	fasttemplate.ExecuteFuncString(string(template), "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if strings.TrimSpace(tag) == "image" {
			found = true
		}
		return 0, nil
	})
	return found
}

// setImages rewrites container images in place and returns how many changed.
func setImages(doc map[string]interface{}, imageRef, container string) (int, error) {
	kind, _, _ := unstructured.NestedString(doc, "kind")
	path, ok := podSpecPaths[kind]
	if !ok {
		return 0, nil
	}
	value, found, err := unstructured.NestedFieldNoCopy(doc, path...)
	if err != nil || !found {
		return 0, err
	}
	podSpec, ok := value.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("%s: %s is not a mapping", kind, strings.Join(path, "."))
	}

	replaced := 0
	for _, field := range []string{"initContainers", "containers"} {
		list, ok := podSpec[field].([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			c, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if container != "" && c["name"] != container {
				continue
			}
			if field == "initContainers" && container == "" {
				continue
			}
			c["image"] = imageRef
			replaced++
		}
	}
	return replaced, nil
}

func decodeDocuments(data []byte) ([]map[string]interface{}, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []map[string]interface{}
	for {
		var doc map[string]interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
		if len(doc) > 0 {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func encodeDocuments(docs []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encoding manifest: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
