// Package tools defines the tools available to the coach agent and the
// registry that validates and executes model-issued tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Name identifies a registered tool.
type Name string

// The built-in tools.
const (
	CheckStrava     Name = "check_strava"
	CheckWeather    Name = "check_weather"
	SaveProfileInfo Name = "save_profile_info"
)

// Tool represents a callable tool.
type Tool struct {
	Name        Name
	Description string
	Parameters  map[string]any // JSON schema of the arguments object

	// Defaults fills in missing arguments before validation. Optional.
	Defaults func(ctx context.Context, args map[string]any) map[string]any

	// Handler runs the tool. A returned error becomes error text in the
	// result; it never aborts the cycle.
	Handler func(ctx context.Context, args map[string]any) (string, error)

	schema *gojsonschema.Schema
}

// Invocation is a tool call requested by the model. Arguments is the
// raw JSON string from the provider.
type Invocation struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of one invocation. Content is always set and is
// what the model sees; Err records why the call failed, if it did.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
	Duration   time.Duration
}

// Registry holds available tools in registration order.
type Registry struct {
	tools  map[Name]*Tool
	order  []Name
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[Name]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a
// name twice replaces the tool but keeps its original position.
func (r *Registry) Register(t *Tool) error {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
		t.Parameters = params
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name, err)
	}
	t.schema = schema

	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name Name) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the OpenAI "tools" array in registration order.
func (r *Registry) Definitions() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        string(t.Name),
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs one invocation. It never fails: unknown tools, bad
// arguments and handler errors all produce a Result whose Content
// describes the problem, so the model can react to it.
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	res := Result{ToolCallID: inv.ID, Name: inv.Name}

	content, err := r.execute(ctx, inv)
	res.Duration = time.Since(start)
	res.Err = err

	if err != nil {
		r.logger.Warn("tool failed",
			"tool", inv.Name,
			"tool_call_id", inv.ID,
			"error", err,
		)
		if content == "" {
			content = "Error: " + err.Error()
		}
	} else {
		r.logger.Debug("tool done",
			"tool", inv.Name,
			"tool_call_id", inv.ID,
			"elapsed", res.Duration.Round(time.Millisecond),
		)
	}
	res.Content = content
	return res
}

func (r *Registry) execute(ctx context.Context, inv Invocation) (content string, err error) {
	tool := r.tools[Name(inv.Name)]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: inv.Name}
	}

	args, err := decodeArguments(inv.Arguments)
	if err != nil {
		return "", &ErrInvalidArguments{ToolName: inv.Name, Reason: err.Error()}
	}
	if tool.Defaults != nil {
		args = tool.Defaults(ctx, args)
	}
	if err := validate(tool, args); err != nil {
		return "", err
	}

	defer func() {
		if p := recover(); p != nil {
			content, err = "", fmt.Errorf("tool %s panicked: %v", inv.Name, p)
		}
	}()
	return tool.Handler(ctx, args)
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validate(t *Tool, args map[string]any) error {
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ErrInvalidArguments{ToolName: string(t.Name), Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	var reasons []string
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return &ErrInvalidArguments{ToolName: string(t.Name), Reason: strings.Join(reasons, "; ")}
}
