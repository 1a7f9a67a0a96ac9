// Package workflow turns the versioned try-on graph template into
// per-request job graphs.
package workflow

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed assets/tryon.json assets/tryon.schema.yaml
var assets embed.FS

const (
	defaultTemplateAsset = "assets/tryon.json"
	defaultSchemaAsset   = "assets/tryon.schema.yaml"
)

// Node is one entry of a worker graph in API format.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Template maps node ids to nodes.
type Template map[string]Node

// ParseTemplate decodes an API-format graph.
func ParseTemplate(data []byte) (Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("workflow: decode template: %w", err)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("workflow: template has no nodes")
	}
	for id, n := range t {
		if n.Inputs == nil {
			return nil, fmt.Errorf("workflow: node %s has no inputs", id)
		}
	}
	return t, nil
}

// Clone returns a deep copy, so a built graph never aliases the template.
func (t Template) Clone() Template {
	out := make(Template, len(t))
	for id, n := range t {
		out[id] = Node{
			ClassType: n.ClassType,
			Inputs:    cloneMap(n.Inputs),
			Meta:      cloneMap(n.Meta),
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return x
	}
}

func readAsset(path, fallback string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		return data, nil
	}
	return assets.ReadFile(fallback)
}
