package providers

import "encoding/json"

// decodeToolArguments parses accumulated tool call argument JSON into a
// map. Malformed or truncated fragments come back as an empty map so a
// single bad call cannot sink the whole turn; double-encoded objects
// (a JSON string containing an object) are unwrapped.
func decodeToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil && m != nil {
		return m
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{}
}

// schemaToMap decodes a tool's JSON schema into the generic map shape
// that OpenAI-compatible APIs expect. Empty or invalid schemas degrade
// to a permissive object schema.
func schemaToMap(schema json.RawMessage) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}
