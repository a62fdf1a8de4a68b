// Package tool holds the capability registry: named, schema-checked
// functions that agents may call, gated by a per-tool allowlist.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Func is the capability signature. Args arrive already validated
// against the tool's schema. Implementations must honor ctx
// cancellation; a timeout cancels ctx best-effort.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Definition describes a tool at registration time.
type Definition struct {
	Name          string
	Description   string
	ArgsSchema    string // JSON Schema for the args object, empty = any
	AllowedAgents []string
	Fn            Func
}

type entry struct {
	def     Definition
	schema  *jsonschema.Schema
	allowed map[string]bool
	calls   atomic.Int64
}

// Registry maps tool names to capabilities. Registration happens at
// startup; invocation is concurrent and read-mostly.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	timeout time.Duration
	logger  *slog.Logger
}

func NewRegistry(invokeTimeout time.Duration, logger *slog.Logger) *Registry {
	if invokeTimeout <= 0 {
		invokeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*entry),
		timeout: invokeTimeout,
		logger:  logger,
	}
}

// Register adds a tool. Names are unique; re-registering is a
// programming error and fails loudly at startup.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if def.Fn == nil {
		return fmt.Errorf("tool %q has no capability function", def.Name)
	}

	var schema *jsonschema.Schema
	if def.ArgsSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.ArgsSchema))
		if err != nil {
			return fmt.Errorf("tool %q: unmarshal args schema: %w", def.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("args.json", doc); err != nil {
			return fmt.Errorf("tool %q: add schema resource: %w", def.Name, err)
		}
		schema, err = c.Compile("args.json")
		if err != nil {
			return fmt.Errorf("tool %q: compile args schema: %w", def.Name, err)
		}
	}

	allowed := make(map[string]bool, len(def.AllowedAgents))
	for _, a := range def.AllowedAgents {
		allowed[a] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &entry{def: def, schema: schema, allowed: allowed}
	r.logger.Info("tool registered", "tool", def.Name, "agents", len(def.AllowedAgents))
	return nil
}

// Invoke runs a tool on behalf of an agent. Authorization is checked
// before anything else runs, then args validate against the tool's
// schema, then the capability executes under the registry timeout.
func (r *Registry) Invoke(ctx context.Context, agentName, toolName string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolName)
	}
	if !e.allowed[agentName] {
		return nil, fmt.Errorf("%w: agent %q, tool %q", ErrUnauthorized, agentName, toolName)
	}

	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return nil, &ExecutionError{Tool: toolName, Kind: KindInvalidArgs, Err: err}
		}
	}

	e.calls.Add(1)

	invokeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := e.def.Fn(invokeCtx, args)
		done <- outcome{res, err}
	}()
	return awaitOutcome(invokeCtx, done, toolName)
}

type outcome struct {
	result any
	err    error
}

// awaitOutcome waits for the capability or the deadline. A result that
// is already queued when the deadline fires still wins: the
// capability's side effects committed, so reporting a timeout would
// misstate what happened.
func awaitOutcome(invokeCtx context.Context, done <-chan outcome, toolName string) (any, error) {
	finish := func(out outcome) (any, error) {
		if out.err != nil {
			return nil, &ExecutionError{Tool: toolName, Kind: KindCapability, Err: out.err}
		}
		return out.result, nil
	}
	select {
	case out := <-done:
		return finish(out)
	case <-invokeCtx.Done():
		select {
		case out := <-done:
			return finish(out)
		default:
		}
		// cancel() already signaled the capability; it may still be
		// winding down but the conversation moves on.
		return nil, &ExecutionError{Tool: toolName, Kind: KindTimeout, Err: invokeCtx.Err()}
	}
}

// Calls returns how many times a tool has been invoked past the
// authorization gate.
func (r *Registry) Calls(toolName string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[toolName]; ok {
		return e.calls.Load()
	}
	return 0
}

// Names returns registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Describe returns the description and schema for prompt injection, or
// empty strings for unknown tools.
func (r *Registry) Describe(toolName string) (description, argsSchema string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[toolName]; ok {
		return e.def.Description, e.def.ArgsSchema
	}
	return "", ""
}

// validateArgs round-trips args through JSON so numbers carry the
// json.Number representation the validator requires.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("reparse args: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("args schema: %w", err)
	}
	return nil
}
