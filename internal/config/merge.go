package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DeepMerge implements §4.1 step 4/5's "deep-merged" semantics: patch's
// scalar and array leaves replace base's; patch's nested maps merge
// key-by-key into base's corresponding map rather than replacing it
// wholesale. Both config-fragment types (defaults, overrides) are small,
// dynamically-shaped maps (map[string]any decoded from YAML) rather than a
// single fixed struct, which is exactly the shape gjson/sjson are built
// for: walk the patch as a path tree and splice each leaf into the base
// JSON document without needing a generated patch-struct per config
// section.
func DeepMerge(base, patch map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return cloneMap(base), nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal base for merge: %w", err)
	}
	if !gjson.ValidBytes(baseJSON) {
		return nil, fmt.Errorf("base document is not valid JSON")
	}

	merged := baseJSON
	merged, err = mergePaths(merged, "", patch)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("unmarshal merged document: %w", err)
	}
	return out, nil
}

func mergePaths(doc []byte, prefix string, patch map[string]any) ([]byte, error) {
	var err error
	for k, v := range patch {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		switch pv := v.(type) {
		case map[string]any:
			existing := gjson.GetBytes(doc, path)
			if existing.IsObject() {
				doc, err = mergePaths(doc, path, pv)
				if err != nil {
					return nil, err
				}
				continue
			}
			// No existing object at this path: set the whole sub-map at once.
			doc, err = sjson.SetBytes(doc, path, pv)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", path, err)
			}
		default:
			doc, err = sjson.SetBytes(doc, path, pv)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return doc, nil
}

// structToMap round-trips any JSON-taggable struct through
// encoding/json to get a map[string]any view usable by DeepMerge.
func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for map view: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal for map view: %w", err)
	}
	return out, nil
}

// mapToAgentStruct is the inverse of structToMap, specialized to
// RawAgentFile.
func mapToAgentStruct(m map[string]any) (RawAgentFile, error) {
	var out RawAgentFile
	data, err := json.Marshal(m)
	if err != nil {
		return out, fmt.Errorf("marshal map view: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal map view: %w", err)
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ApplyOverridesToStruct merges a decoded-YAML partial-agent-config fragment
// (overrides or defaults) onto a concrete RawAgentFile by round-tripping
// through DeepMerge's JSON representation, then re-decoding into the typed
// struct. This lets RawAgentFile stay a plain struct (readable, validated by
// yaml.v3's own unmarshaling) while still getting the gjson/sjson-powered
// deep merge for the dynamically-shaped override fragments.
func ApplyOverridesToStruct(agent RawAgentFile, overrides map[string]any) (RawAgentFile, error) {
	if len(overrides) == 0 {
		return agent, nil
	}
	baseJSON, err := json.Marshal(agent)
	if err != nil {
		return agent, fmt.Errorf("marshal agent for override merge: %w", err)
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return agent, fmt.Errorf("unmarshal agent for override merge: %w", err)
	}
	merged, err := DeepMerge(baseMap, overrides)
	if err != nil {
		return agent, err
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return agent, fmt.Errorf("marshal merged agent: %w", err)
	}
	var out RawAgentFile
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return agent, fmt.Errorf("unmarshal merged agent: %w", err)
	}
	return out, nil
}
