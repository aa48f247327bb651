package config

import (
	"strings"
)

// Settings are addressed by dot-separated paths that follow the JSON field
// names, such as "worker.max_concurrent" or "worker.env.ASR_MODEL".

var secretKeys = map[string]bool{
	"notify.telegram.token": true,
	"notify.webhook_url":    true,
}

// IsSecretKey reports whether the value under key is masked when listed.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested maps into one map keyed by dotted path. Empty maps
// vanish; slices and scalars are leaves.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. When one key is a prefix of another
// the longer path wins.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if _, isMap := node[leaf].(map[string]any); !isMap {
			node[leaf] = v
		}
	}
	return out
}

// dropSubtree deletes key and every key below it, returning how many went.
func dropSubtree(flat map[string]any, key string) int {
	n := 0
	for k := range flat {
		if k == key || strings.HasPrefix(k, key+".") {
			delete(flat, k)
			n++
		}
	}
	return n
}

// MaskSecrets returns a copy of flat with secret values reduced to their
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && secretKeys[k] {
			out[k] = maskString(s)
		}
	}
	return out
}

func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "***" + s
	default:
		return "***" + s[len(s)-4:]
	}
}
