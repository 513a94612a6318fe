package config

import "strings"

// reservedSegments never address a config value; a path naming one is
// refused outright.
var reservedSegments = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// ParseConfigPath splits a dotted key such as "gateway.auth.mode" into its
// segments.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if _, bad := reservedSegments[s]; bad {
			return nil, &ConfigError{Message: "config path contains blocked key: " + s}
		}
	}
	return segs, nil
}

// parentOf walks every segment but the last and returns the map that holds
// the final key. With create set, missing or non-map intermediates are
// replaced by empty maps.
func parentOf(root map[string]any, path []string, create bool) (map[string]any, bool) {
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			if !create {
				return nil, false
			}
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	return node, true
}

// GetValueAtPath returns the value stored under path.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return root, true
	}
	parent, ok := parentOf(root, path, false)
	if !ok {
		return nil, false
	}
	v, ok := parent[path[len(path)-1]]
	return v, ok
}

// SetValueAtPath stores value under path, creating intermediate maps.
func SetValueAtPath(root map[string]any, path []string, value any) {
	parent, _ := parentOf(root, path, true)
	parent[path[len(path)-1]] = value
}

// UnsetValueAtPath deletes the value under path and reports whether there
// was one.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	parent, ok := parentOf(root, path, false)
	if !ok {
		return false
	}
	last := path[len(path)-1]
	if _, ok := parent[last]; !ok {
		return false
	}
	delete(parent, last)
	return true
}
