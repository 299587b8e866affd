package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine/adapters"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

type step func(in ports.PromptInput) (ports.Completion, error)

// StubProvider replays scripted completions, then falls back to completionFunc.
type StubProvider struct {
	mu             sync.Mutex
	script         []step
	completionFunc func(ctx context.Context, in ports.PromptInput) (ports.Completion, error)
	inputs         []ports.PromptInput
}

func newStubProvider(steps ...step) *StubProvider {
	return &StubProvider{script: steps}
}

func (p *StubProvider) Name() string { return "stub" }

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		p.mu.Unlock()
		return next(in)
	}
	fn := p.completionFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return ports.Completion{}, errors.New("no scripted completion left")
}

func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inputs)
}

func (p *StubProvider) LastInput() ports.PromptInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[len(p.inputs)-1]
}

func reply(text string) step {
	return func(ports.PromptInput) (ports.Completion, error) {
		return ports.Completion{Turn: ports.Turn{Role: ports.RoleAssistant, Content: text}}, nil
	}
}

func requestTools(calls ...ports.ToolCallRequest) step {
	return func(ports.PromptInput) (ports.Completion, error) {
		return ports.Completion{Turn: ports.Turn{Role: ports.RoleAssistant, ToolCalls: calls}}, nil
	}
}

func failWith(err error) step {
	return func(ports.PromptInput) (ports.Completion, error) {
		return ports.Completion{}, err
	}
}

func call(id, name string, args map[string]any) ports.ToolCallRequest {
	return ports.ToolCallRequest{ID: id, Name: name, Arguments: args}
}

// callLog records tool invocation order across tools.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// StubTool implements Tool for testing.
type StubTool struct {
	name        string
	schema      string
	approval    bool
	result      any
	err         error
	delay       time.Duration
	panicMsg    string
	log         *callLog
	invocations atomic.Int32
	lastArgs    atomic.Value
}

func (t *StubTool) Name() string        { return t.name }
func (t *StubTool) Description() string { return fmt.Sprintf("stub %s tool", t.name) }
func (t *StubTool) Schema() []byte {
	if t.schema == "" {
		return []byte(`{"type":"object"}`)
	}
	return []byte(t.schema)
}
func (t *StubTool) RequiresApproval() bool { return t.approval }

func (t *StubTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	t.invocations.Add(1)
	t.lastArgs.Store(string(args))
	if t.log != nil {
		t.log.add(t.name)
	}
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return t.result, t.err
}

func (t *StubTool) Invocations() int { return int(t.invocations.Load()) }

func newSearchTool(log *callLog) *StubTool {
	return &StubTool{
		name:   "web_search",
		schema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		result: "Paris: 21°C and sunny",
		log:    log,
	}
}

func newWhatsAppTool(log *callLog) *StubTool {
	return &StubTool{
		name:     "send_whatsapp_message",
		schema:   `{"type":"object","properties":{"message":{"type":"string"},"phone_number":{"type":"string"}},"required":["message","phone_number"]}`,
		approval: true,
		result:   "WhatsApp message sent successfully to +15550100. Message SID: SM1, Status: queued",
		log:      log,
	}
}

type testEngineOption func(*Dependencies, *Policy)

func withStore(store ports.CheckpointStore) testEngineOption {
	return func(d *Dependencies, _ *Policy) { d.Store = store }
}

func withPolicy(fn func(*Policy)) testEngineOption {
	return func(_ *Dependencies, p *Policy) { fn(p) }
}

func newTestEngine(t *testing.T, provider ports.Provider, tools []ports.Tool, opts ...testEngineOption) *Engine {
	t.Helper()

	registry, err := NewRegistry(tools...)
	require.NoError(t, err)

	deps := Dependencies{
		Provider: provider,
		Registry: registry,
		Gate:     NewApprovalGateForRegistry(registry, nil, nil),
		Invoker:  NewInvoker(registry, NewGuardrails(0), time.Second, noOpTracer{}, zerolog.Nop()),
		Store:    adapters.NewMemoryCheckpointStore(),
		Tracer:   adapters.NewZerologTracer(zerolog.Nop()),
	}
	policy := DefaultPolicy()
	for _, opt := range opts {
		opt(&deps, &policy)
	}

	e, err := NewEngine(deps, policy, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func roles(views []TurnView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Role
	}
	return out
}
