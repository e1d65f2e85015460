package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DataConverter converts structured documents between JSON and YAML.
type DataConverter struct{}

func (DataConverter) Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error) {
	var doc any
	switch from {
	case "json":
		if err := json.Unmarshal(input, &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(input, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		doc = normalizeYAML(doc)
	default:
		return nil, fmt.Errorf("%w: data input %s", ErrUnsupportedPair, from)
	}
	ReportProgress(ctx, 50)

	switch to {
	case "json":
		if pretty, _ := opts["pretty"].(bool); pretty {
			return json.MarshalIndent(doc, "", "  ")
		}
		return json.Marshal(doc)
	case "yaml":
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("%w: data output %s", ErrUnsupportedPair, to)
}

// normalizeYAML rewrites map[any]any nodes, which encoding/json rejects, into
// string-keyed maps.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}
