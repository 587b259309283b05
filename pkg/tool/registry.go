package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Kind classifies a tool for permission policy.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindExec  Kind = "exec"
	KindOther Kind = "other"
)

// Parameter describes one tool input.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Handler executes a tool call.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Definition declares one tool.
type Definition struct {
	Name        string
	Description string
	Kind        Kind
	Parameters  []Parameter
	Handler     Handler

	// Describe renders the approval prompt for this call. Optional; the
	// default is the tool name plus the raw parameters.
	Describe func(params map[string]any) (action, details string)
}

// maxOutputBytes caps tool output fed back into the conversation.
const maxOutputBytes = 10 * 1024

// Registry holds tool definitions with their compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates and adds a tool definition.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to build schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("kind", string(def.Kind)).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return def, nil
}

// List returns all registered definitions.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}

// Describe renders the approval prompt for a call.
func (r *Registry) Describe(name string, params map[string]any) (string, string) {
	def, err := r.Get(name)
	if err != nil {
		return name, ""
	}
	if def.Describe != nil {
		return def.Describe(params)
	}

	raw, _ := json.Marshal(params)
	return def.Name, string(raw)
}

// Execute validates parameters and runs the tool. The returned string is
// the output serialized for the conversation, truncated when oversized.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.tool",
		"tool.execute",
		attribute.String("tool", name),
	)
	defer span.End()

	def, err := r.Get(name)
	if err != nil {
		observability.RecordToolExecution(name, "unknown", 0)
		return "", err
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if params == nil {
		params = map[string]any{}
	}
	if err := validateParams(schema, params); err != nil {
		observability.RecordToolExecution(name, "invalid_params", 0)
		return "", fmt.Errorf("invalid parameters for %s: %w", name, err)
	}

	start := time.Now()
	result, err := def.Handler(ctx, params)
	duration := time.Since(start)

	if err != nil {
		observability.RecordToolExecution(name, "error", duration)
		return "", err
	}
	observability.RecordToolExecution(name, "ok", duration)

	return serializeOutput(result), nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	switch def.Kind {
	case KindRead, KindWrite, KindExec, KindOther:
	default:
		return fmt.Errorf("invalid tool kind %q for %s", def.Kind, def.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]any)
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// InputSchema returns the JSON Schema map sent to model providers.
func (r *Registry) InputSchema(name string) (map[string]any, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	properties := make(map[string]any)
	required := []string{}
	for _, param := range def.Parameters {
		properties[param.Name] = map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

func validateParams(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func serializeOutput(result any) string {
	var out string
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		out = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			out = fmt.Sprintf("%v", v)
		} else {
			out = string(raw)
		}
	}

	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes] + "\n... [output truncated]"
	}
	return out
}
