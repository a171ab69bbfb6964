// Package toolrunner executes the tool calls a model emits during a task.
// Rounds made up entirely of read-only calls fan out in parallel,
// cacheable calls are memoized for the lifetime of the task, and stateful
// tools run serially on a single lane so their session state survives
// across rounds.
package toolrunner

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/pkg/llm"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// ToolDefinition defines a tool's metadata, handler, and execution class
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// ReadOnly tools have no side effects and may run in parallel.
	ReadOnly bool `json:"read_only,omitempty"`
	// Cacheable tools are memoized per task by name and arguments.
	Cacheable bool `json:"cacheable,omitempty"`
	// Stateful tools share session state and run one at a time on a
	// dedicated lane.
	Stateful bool `json:"stateful,omitempty"`
	// Timeout overrides the runner default for this tool.
	Timeout time.Duration `json:"-"`
}

// ToolResult represents the outcome of one tool call, flattened to the
// string form the model receives.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

// Ok reports whether the call produced a usable output.
func (r ToolResult) Ok() bool {
	return r.Error == "" && !r.TimedOut
}

// Options configures a Runner.
type Options struct {
	DefaultTimeout time.Duration
	MaxParallel    int
	MaxResultChars int
	Logger         zerolog.Logger
}

// Runner manages and executes registered tools.
type Runner struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema

	cache *resultCache
	lane  *statefulLane

	defaultTimeout time.Duration
	maxParallel    int
	maxResultChars int
	logger         zerolog.Logger
}

// New creates a Runner with the given options.
func New(opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.MaxResultChars <= 0 {
		opts.MaxResultChars = 15000
	}
	return &Runner{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		cache:          newResultCache(),
		lane:           newStatefulLane(opts.Logger),
		defaultTimeout: opts.DefaultTimeout,
		maxParallel:    opts.MaxParallel,
		maxResultChars: opts.MaxResultChars,
		logger:         opts.Logger,
	}
}

// Register registers a new tool
func (r *Runner) Register(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Get returns a tool definition by name
func (r *Runner) Get(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names
func (r *Runner) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Specs returns the registered tools in the shape the model API expects.
func (r *Runner) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schemaMapFor(*def),
		})
	}
	return specs
}

// ResetTask clears per-task state: the result cache and the stateful lane.
// Call between tasks when a worker is reused.
func (r *Runner) ResetTask() {
	r.cache.clear()
	r.lane.reset()
}

// Close stops the stateful lane.
func (r *Runner) Close() {
	r.lane.stop()
}

// Execute runs a single tool call and returns its result. Timeouts do not
// fail the task; the model receives a synthesized result and the handler
// is left to finish or be abandoned.
func (r *Runner) Execute(ctx context.Context, call llm.ToolCall) ToolResult {
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if tool == nil {
		r.logger.Error().Str("tool", call.Name).Msg("Tool not found")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return ToolResult{
			ToolCallID: call.ID,
			Error:      fmt.Sprintf("tool not found: %s", call.Name),
		}
	}

	if err := validateParameters(schema, call.Parameters); err != nil {
		r.logger.Error().Str("tool", call.Name).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return ToolResult{
			ToolCallID: call.ID,
			Error:      fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	if tool.Cacheable {
		if out, ok := r.cache.get(call.Name, call.Parameters); ok {
			observability.RecordToolCacheHit(call.Name)
			r.logger.Debug().Str("tool", call.Name).Msg("Tool result served from cache")
			return ToolResult{ToolCallID: call.ID, Output: out, Cached: true}
		}
	}

	timeout := r.defaultTimeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	var output string
	var err error
	var timedOut bool

	if tool.Stateful {
		output, err, timedOut = r.lane.run(ctx, tool, call.Parameters, timeout)
	} else {
		output, err, timedOut = runBoxed(ctx, tool, call.Parameters, timeout)
	}

	duration := time.Since(start)

	if timedOut {
		r.logger.Error().
			Str("tool", call.Name).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		observability.RecordToolExecution(call.Name, duration, false)
		return ToolResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("Tool %s is still running after %v with no result. Do not call it again with the same arguments; change strategy.", call.Name, timeout),
			TimedOut:   true,
		}
	}

	if err != nil {
		r.logger.Error().
			Str("tool", call.Name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(call.Name, duration, false)
		return ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}

	output, truncated := r.truncateOutput(output)

	if tool.Cacheable {
		r.cache.put(call.Name, call.Parameters, output)
	}

	r.logger.Debug().
		Str("tool", call.Name).
		Dur("duration", duration).
		Bool("truncated", truncated).
		Msg("Tool execution completed")
	observability.RecordToolExecution(call.Name, duration, true)

	return ToolResult{
		ToolCallID: call.ID,
		Output:     output,
		Truncated:  truncated,
	}
}

// runBoxed executes a handler in its own goroutine with a deadline. On
// timeout the goroutine is abandoned; its eventual result is discarded.
func runBoxed(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, timeout time.Duration) (string, error, bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := tool.Handler(timeoutCtx, params)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err, false
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err(), false
		}
		return "", nil, true
	}
}

// truncateOutput caps output size, annotating with the original length.
// The cut backs up to a rune boundary so the result stays valid UTF-8.
func (r *Runner) truncateOutput(output string) (string, bool) {
	if len(output) <= r.maxResultChars {
		return output, false
	}

	keep := r.maxResultChars
	for keep > 0 && !utf8.RuneStart(output[keep]) {
		keep--
	}
	truncated := output[:keep] + fmt.Sprintf("\n... (truncated from %d chars)", len(output))
	r.logger.Warn().
		Int("original", len(output)).
		Int("kept", r.maxResultChars).
		Msg("Tool output truncated")

	return truncated, true
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Stateful && def.ReadOnly {
		return fmt.Errorf("tool %s cannot be both stateful and read-only", def.Name)
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}

		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaMapFor builds the JSON Schema map for a tool's parameters.
func schemaMapFor(def ToolDefinition) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
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

	if len(required) > 0 {
		required2 := make([]interface{}, len(required))
		for i, s := range required {
			required2[i] = s
		}
		schemaMap["required"] = required2
	}

	return schemaMap
}

// generateJSONSchema compiles the parameter schema for validation.
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMapFor(def)))
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}
