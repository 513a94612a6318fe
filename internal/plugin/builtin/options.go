package builtin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Option readers accept the loose shapes options arrive in: typed Go
// values from code, json.Number and []any from decoded JSON, and strings
// from the command line.

func optString(opts map[string]any, key, def string) string {
	v, ok := opts[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func optStrings(opts map[string]any, key string, def []string) []string {
	v, ok := opts[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case string:
		var out []string
		for _, p := range strings.Split(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return def
	}
}

func optInt(opts map[string]any, key string, def int) int {
	v, ok := opts[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

func optBool(opts map[string]any, key string, def bool) bool {
	v, ok := opts[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

func optDuration(opts map[string]any, key string, def time.Duration) time.Duration {
	v, ok := opts[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	}
	if n := optInt(opts, key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
