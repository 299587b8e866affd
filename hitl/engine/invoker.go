package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/rs/zerolog"
)

// Registry holds the tools available to the model, in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ports.Tool
	order []string
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...ports.Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]ports.Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique and schemas valid JSON.
func (r *Registry) Register(tool ports.Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if schema := tool.Schema(); len(schema) > 0 && !json.Valid(schema) {
		return fmt.Errorf("tool %q has an invalid JSON schema", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (ports.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []ports.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Specs converts the registered tools to provider declarations.
func (r *Registry) Specs() []ports.ToolSpec {
	tools := r.Tools()
	specs := make([]ports.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = ports.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			JSONSchema:  t.Schema(),
		}
	}
	return specs
}

// Invoker executes tool calls. It never fails: unknown tools, invalid
// arguments, tool errors and timeouts all come back as tool-result text.
type Invoker struct {
	registry   *Registry
	guardrails *Guardrails
	timeout    time.Duration // 0 disables the per-tool deadline
	tracer     ports.Tracer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewInvoker creates an invoker over registry.
func NewInvoker(registry *Registry, guardrails *Guardrails, timeout time.Duration, tracer ports.Tracer, logger zerolog.Logger) *Invoker {
	return &Invoker{
		registry:   registry,
		guardrails: guardrails,
		timeout:    timeout,
		tracer:     tracer,
		logger:     logger,
		now:        time.Now,
	}
}

// Invoke runs call and returns the tool-result turn answering it.
func (i *Invoker) Invoke(ctx context.Context, call ports.ToolCallRequest) ports.Turn {
	ctx, finish := i.tracer.StartSpan(ctx, "tool_call", map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
	})

	content, err := i.run(ctx, call)
	finish(err)

	if err != nil {
		i.logger.Warn().Err(err).Str("tool", call.Name).Str("tool_call_id", call.ID).Msg("Tool call failed")
	} else {
		i.logger.Debug().Str("tool", call.Name).Str("result", i.guardrails.Redact(content)).Msg("Tool call succeeded")
	}

	return ports.Turn{
		Role:       ports.RoleTool,
		Content:    i.guardrails.LimitOutput(content),
		ToolCallID: call.ID,
		Name:       call.Name,
		CreatedAt:  i.now().UTC(),
	}
}

// run returns the tool output, or failure text together with the cause.
func (i *Invoker) run(ctx context.Context, call ports.ToolCallRequest) (string, error) {
	tool, ok := i.registry.Get(call.Name)
	if !ok {
		err := fmt.Errorf("tool %q not found", call.Name)
		return "Error: " + err.Error(), err
	}

	arguments := call.Arguments
	if arguments == nil {
		arguments = map[string]any{}
	}
	args, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool %q: %v", call.Name, err), err
	}
	if err := i.guardrails.ValidateArguments(tool.Schema(), args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool %q: %v", call.Name, err), err
	}

	output, err := i.invokeWithTimeout(ctx, tool, args)
	if err != nil {
		return fmt.Sprintf("Error executing tool %q: %v", call.Name, err), err
	}
	return formatToolResult(output), nil
}

type invokeResult struct {
	output any
	err    error
}

func (i *Invoker) invokeWithTimeout(ctx context.Context, tool ports.Tool, args json.RawMessage) (any, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Invoke(ctx, args)
		done <- invokeResult{output: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("timed out after %s", i.timeout)
	}
	return res.output, res.err
}

func formatToolResult(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(b)
}
