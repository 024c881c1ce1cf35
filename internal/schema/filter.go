// Package schema filters MCP tool descriptors before they are exposed to
// clients. Sensitive input-schema properties (credentials the bridge injects
// itself) are stripped so the model never sees or supplies them.
package schema

import "encoding/json"

// FilterDescriptor returns a deep copy of the tool descriptor with every
// sensitive property removed from inputSchema.properties and from
// inputSchema.required. The original descriptor is never mutated, and no
// other field is touched. Applying the filter twice is a no-op.
func FilterDescriptor(descriptor map[string]interface{}, sensitive []string) map[string]interface{} {
	filtered := deepCopy(descriptor)

	inputSchema, ok := filtered["inputSchema"].(map[string]interface{})
	if !ok {
		return filtered
	}

	if properties, ok := inputSchema["properties"].(map[string]interface{}); ok {
		for _, name := range sensitive {
			delete(properties, name)
		}
	}

	if required, ok := inputSchema["required"].([]interface{}); ok {
		kept := make([]interface{}, 0, len(required))
		for _, entry := range required {
			name, _ := entry.(string)
			if !contains(sensitive, name) {
				kept = append(kept, entry)
			}
		}
		inputSchema["required"] = kept
	}

	return filtered
}

// FilterAll applies FilterDescriptor to each descriptor in the slice.
func FilterAll(descriptors []map[string]interface{}, sensitive []string) []map[string]interface{} {
	filtered := make([]map[string]interface{}, 0, len(descriptors))
	for _, d := range descriptors {
		filtered = append(filtered, FilterDescriptor(d, sensitive))
	}
	return filtered
}

// deepCopy clones a descriptor through a JSON round-trip. Descriptors arrive
// from JSON decoding, so the round-trip is lossless.
func deepCopy(descriptor map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		// Descriptors are decoded JSON; a marshal failure means a programming
		// error upstream. Return an empty descriptor rather than the original
		// to preserve purity.
		return map[string]interface{}{}
	}
	var clone map[string]interface{}
	if err := json.Unmarshal(raw, &clone); err != nil {
		return map[string]interface{}{}
	}
	return clone
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
