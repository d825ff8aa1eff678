package nodes

import (
	"fmt"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// Config access helpers. Flow definitions arrive as decoded JSON, so
// numbers are float64 and lists are []any; these helpers normalize that.

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func cfgRequireString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("config %q is required", key)
	}
	return v, nil
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	if f, ok := table.ToFloat(cfg[key]); ok {
		return f
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func cfgStringSlice(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}

func cfgSlice(cfg map[string]any, key string) []any {
	if v, ok := cfg[key].([]any); ok {
		return v
	}
	return nil
}

func cfgStringMap(cfg map[string]any, key string) map[string]string {
	raw := cfgMap(cfg, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
