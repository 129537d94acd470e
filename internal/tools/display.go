package tools

import (
	"fmt"
	"strings"
)

// Display carries presentation hints for one tool. Clients receive it as
// the capability's ui_meta; the orchestrator uses it to render approval
// prompts.
type Display struct {
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Label      string   `json:"label,omitempty"`
	Verb       string   `json:"verb,omitempty"`
	DetailKeys []string `json:"detail_keys,omitempty"`
}

// MaxDetailEntries limits the number of argument values shown in a summary.
const MaxDetailEntries = 8

// DisplayFor resolves presentation hints for a tool. Tools that implement
// Displayable supply their own; everything else gets a title derived from
// the name.
func DisplayFor(tool Tool) *Display {
	if displayable, ok := tool.(Displayable); ok {
		if d := displayable.Display(); d != nil {
			if d.Name == "" {
				d.Name = tool.Name()
			}
			if d.Title == "" {
				d.Title = defaultTitle(tool.Name())
			}
			return d
		}
	}
	return &Display{
		Name:  tool.Name(),
		Title: defaultTitle(tool.Name()),
		Verb:  "Using",
	}
}

// Summary renders a one-line description of a call, e.g.
// "Calculating: 37 * 42".
func Summary(d *Display, args map[string]any) string {
	if d == nil {
		return ""
	}
	label := d.Label
	if label == "" {
		label = d.Title
	}
	detail := resolveDetailFromKeys(args, d.DetailKeys)
	if detail == "" {
		return label
	}
	return label + ": " + detail
}

// normalizeToolName lowercases a tool name and strips namespacing such as
// "server.tool" or "ns__tool" plus a trailing "_tool" suffix.
func normalizeToolName(name string) string {
	normalized := strings.ToLower(name)
	if strings.Contains(normalized, "__") {
		parts := strings.Split(normalized, "__")
		normalized = parts[len(parts)-1]
	}
	if strings.Contains(normalized, ".") {
		parts := strings.Split(normalized, ".")
		normalized = parts[len(parts)-1]
	}
	return strings.TrimSuffix(normalized, "_tool")
}

// defaultTitle derives a title-cased display name from a tool name.
func defaultTitle(name string) string {
	normalized := normalizeToolName(name)
	normalized = strings.ReplaceAll(normalized, "_", " ")
	normalized = strings.ReplaceAll(normalized, "-", " ")
	words := strings.Fields(normalized)
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(string(word[0])) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

// coerceDisplayValue converts an argument value to a display string.
func coerceDisplayValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceDisplayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case map[string]any:
		for _, key := range []string{"name", "id", "path", "value"} {
			if val, ok := v[key]; ok {
				return coerceDisplayValue(val)
			}
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// lookupValueByPath reads a value from an argument map using dot notation.
func lookupValueByPath(args map[string]any, path string) any {
	if args == nil || path == "" {
		return nil
	}
	var current any = args
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

// resolveDetailFromKeys extracts display values for the given keys.
func resolveDetailFromKeys(args map[string]any, keys []string) string {
	if args == nil || len(keys) == 0 {
		return ""
	}
	details := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(details) >= MaxDetailEntries {
			break
		}
		value := lookupValueByPath(args, key)
		if value == nil {
			continue
		}
		if s := coerceDisplayValue(value); s != "" {
			details = append(details, s)
		}
	}
	return strings.Join(details, " · ")
}
