package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxNameLength bounds tool names.
	MaxNameLength = 256

	// MaxArgsSize bounds the serialized argument payload.
	MaxArgsSize = 10 << 20 // 10MB
)

var defaultSchema = json.RawMessage(`{"type":"object"}`)

// Registry is a name-keyed tool table. Registration compiles each tool's
// schema once; Execute validates arguments against it before dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
// The tool's schema must compile.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxNameLength)
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		raw = defaultSchema
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	r.tools[name] = tool
	r.schemas[name] = schema
	r.mu.Unlock()
	return nil
}

// MustRegister is Register but panics on error. For static builtin sets.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	return true
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns the public view of every registered tool, sorted by
// name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	snapshot := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		snapshot = append(snapshot, tool)
	}
	r.mu.RUnlock()

	caps := make([]Capability, 0, len(snapshot))
	for _, tool := range snapshot {
		schema := tool.Schema()
		if len(schema) == 0 {
			schema = defaultSchema
		}
		capability := Capability{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: schema,
		}
		if annotated, ok := tool.(Annotated); ok {
			capability.Annotations = annotated.Annotations()
		}
		capability.UIMeta = DisplayFor(tool)
		caps = append(caps, capability)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// ParameterNames returns the declared top-level property names of a tool's
// schema. Used by the heuristic tool detector.
func (r *Registry) ParameterNames(name string) []string {
	tool, ok := r.Get(name)
	if !ok {
		return nil
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		return nil
	}
	params := make([]string, 0, len(schema.Properties))
	for param := range schema.Properties {
		params = append(params, param)
	}
	sort.Strings(params)
	return params
}

// Execute decodes, validates, and dispatches one tool call. Lookup
// failures, invalid arguments, and tool panics come back as error results
// the model can read; a Go error means the infrastructure itself failed.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage) (*Result, error) {
	if len(name) > MaxNameLength {
		return Errorf("tool name exceeds %d characters", MaxNameLength), nil
	}
	if len(rawArgs) > MaxArgsSize {
		return Errorf("arguments exceed %d bytes", MaxArgsSize), nil
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		var decoded any
		if err := json.Unmarshal(rawArgs, &decoded); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return Errorf("arguments must be a JSON object"), nil
		}
		args = obj
	}
	return r.ExecuteArgs(ctx, name, args)
}

// ExecuteArgs validates and dispatches a call whose arguments are already
// decoded. Used after an approval rewrites the argument object.
func (r *Registry) ExecuteArgs(ctx context.Context, name string, args map[string]any) (result *Result, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("tool '%s' not found", name), nil
	}

	if args == nil {
		args = map[string]any{}
	}
	if schema != nil {
		if verr := schema.Validate(toAnyValue(args)); verr != nil {
			return Errorf("invalid arguments for tool '%s': %v", name, verr), nil
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Errorf("tool '%s' panicked: %v", name, rec)
			err = nil
		}
	}()
	return tool.Execute(ctx, args)
}

// toAnyValue normalizes an argument map for schema validation. Values that
// arrived through json.Unmarshal already use JSON-native types; values
// built in Go (modified arguments) may not, so round-trip those.
func toAnyValue(args map[string]any) any {
	payload, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return args
	}
	return decoded
}
