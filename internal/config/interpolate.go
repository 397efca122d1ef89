package config

import (
	"os"
	"regexp"
)

// interpolatePattern matches ${VAR} and ${VAR:-default}.
var interpolatePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Interpolate replaces ${VAR} / ${VAR:-default} references in a string
// against the given environment lookup (§4.1 Operation). No example repo
// in the pack carries a templating engine scoped this narrowly — a single
// regexp substitution is the idiomatic fit; see DESIGN.md.
func Interpolate(s string, lookup func(string) (string, bool)) string {
	return interpolatePattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := interpolatePattern.FindStringSubmatch(match)
		name := groups[1]
		def := groups[3]
		if v, ok := lookup(name); ok {
			return v
		}
		return def
	})
}

// InterpolateStrings walks a decoded YAML tree (maps, slices, strings) and
// interpolates every string leaf in place, returning a new tree.
func InterpolateStrings(v any, lookup func(string) (string, bool)) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, lookup)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = InterpolateStrings(val, lookup)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = InterpolateStrings(val, lookup)
		}
		return out
	default:
		return v
	}
}

// EnvLookup builds a lookup function over the process environment merged
// with an optional .env overlay (values in overlay never override existing
// process values, per §4.1).
func EnvLookup(overlay map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		if v, ok := overlay[name]; ok {
			return v, true
		}
		return "", false
	}
}
