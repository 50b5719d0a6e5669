package httpapi

import "time"

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

// Small accessors over the generic map[string]any a validated tool-call
// body decodes into. Schema validation already guarantees presence and
// type for required fields; these just give call sites a terse spelling.

func strField(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

func boolField(body map[string]any, key string) bool {
	if v, ok := body[key].(bool); ok {
		return v
	}
	return false
}

func intField(body map[string]any, key string) int {
	switch v := body[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func int64Field(body map[string]any, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func strSliceField(body map[string]any, key string) []string {
	v, ok := body[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func strMapField(body map[string]any, key string) map[string]string {
	v, ok := body[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func hasField(body map[string]any, key string) bool {
	_, ok := body[key]
	return ok
}
