package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/db"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine/adapters"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

func TestSubmitMessage_SearchThenAnswer(t *testing.T) {
	ctx := context.Background()
	search := newSearchTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "web_search", map[string]any{"query": "weather in Paris"})),
		reply("It is 21°C and sunny in Paris."),
	)
	e := newTestEngine(t, provider, []ports.Tool{search})

	res, err := e.SubmitMessage(ctx, "t1", "What's the weather in Paris?")
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "It is 21°C and sunny in Paris.", res.Response)
	assert.Nil(t, res.ToolCall)
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "assistant"}, roles(res.Turns))
	assert.Equal(t, "c1", res.Turns[3].ToolCallID)
	assert.Equal(t, "Paris: 21°C and sunny", res.Turns[3].Content)
	assert.Equal(t, 1, search.Invocations())
	assert.JSONEq(t, `{"query":"weather in Paris"}`, search.lastArgs.Load().(string))

	// The second model call sees the tool result.
	last := provider.LastInput()
	require.Len(t, last.Turns, 4)
	assert.Equal(t, ports.RoleTool, last.Turns[3].Role)
	require.Len(t, last.Tools, 1)
	assert.Equal(t, "web_search", last.Tools[0].Name)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, res.Turns, history)

	state, err := e.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserInput, state)
}

func TestSubmitMessage_PlainAnswer(t *testing.T) {
	e := newTestEngine(t, newStubProvider(reply("Hello!")), nil)

	res, err := e.SubmitMessage(context.Background(), "t", "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "Hello!", res.Response)
	assert.Equal(t, []string{"system", "user", "assistant"}, roles(res.Turns))
}

func TestSubmitMessage_GatedToolSuspends(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	args := map[string]any{"message": "Hi", "phone_number": "+15550100"}
	provider := newStubProvider(requestTools(call("c1", "send_whatsapp_message", args)))
	e := newTestEngine(t, provider, []ports.Tool{whatsapp})

	res, err := e.SubmitMessage(ctx, "t2", "Send Hi to +15550100")
	require.NoError(t, err)

	assert.Equal(t, StatusPendingApproval, res.Status)
	require.NotNil(t, res.ToolCall)
	assert.Equal(t, "send_whatsapp_message", res.ToolCall.Name)
	assert.Equal(t, args, res.ToolCall.Arguments)
	assert.Empty(t, res.Response)
	assert.Equal(t, 0, whatsapp.Invocations(), "gated tool must not run before approval")

	state, err := e.State(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, state)

	// New messages are refused while suspended.
	before, err := e.History(ctx, "t2")
	require.NoError(t, err)
	_, err = e.SubmitMessage(ctx, "t2", "hello?")
	assert.ErrorIs(t, err, ErrInvalidState)
	after, err := e.History(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, provider.Calls())
}

func TestResolveApproval_Approve(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+15550100"})),
		reply("I've sent the WhatsApp message."),
	)
	e := newTestEngine(t, provider, []ports.Tool{whatsapp})

	_, err := e.SubmitMessage(ctx, "t", "Send Hi to +15550100")
	require.NoError(t, err)

	res, err := e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "I've sent the WhatsApp message.", res.Response)
	assert.Equal(t, 1, whatsapp.Invocations())
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "assistant"}, roles(res.Turns))
	assert.Contains(t, res.Turns[3].Content, "sent successfully")

	// The approval was consumed.
	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, whatsapp.Invocations())
}

func TestResolveApproval_Reject(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+15550100"})),
	)
	e := newTestEngine(t, provider, []ports.Tool{whatsapp})

	_, err := e.SubmitMessage(ctx, "t", "Send Hi to +15550100")
	require.NoError(t, err)

	res, err := e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: false})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, internal.RejectionMessage, res.Response)
	assert.Equal(t, 0, whatsapp.Invocations())
	assert.Equal(t, 1, provider.Calls(), "rejection does not call the model")
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "assistant"}, roles(res.Turns))
	assert.Equal(t, RejectedToolResult, res.Turns[3].Content)
	assert.Equal(t, "c1", res.Turns[3].ToolCallID)

	state, err := e.State(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserInput, state)
}

func TestResolveApproval_NothingPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newStubProvider(reply("hi")), nil)

	_, err := e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "unknown", Approved: true})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = e.SubmitMessage(ctx, "t", "hello")
	require.NoError(t, err)
	before, err := e.History(ctx, "t")
	require.NoError(t, err)

	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: false})
	assert.ErrorIs(t, err, ErrInvalidState)

	after, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSubmitMessage_MixedTurnSuspendsAsAWhole(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	search := newSearchTool(log)
	whatsapp := newWhatsAppTool(log)
	provider := newStubProvider(
		requestTools(
			call("c1", "web_search", map[string]any{"query": "weather"}),
			call("c2", "send_whatsapp_message", map[string]any{"message": "sunny", "phone_number": "+1"}),
		),
		reply("Found the weather and sent it."),
	)
	e := newTestEngine(t, provider, []ports.Tool{search, whatsapp})

	res, err := e.SubmitMessage(ctx, "t", "Search the weather and send it to +1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, "send_whatsapp_message", res.ToolCall.Name)
	assert.Empty(t, log.list(), "no call of a suspended turn runs before the decision")

	res, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []string{"web_search", "send_whatsapp_message"}, log.list())
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool", "assistant"}, roles(res.Turns))
}

func TestResolveApproval_RejectMixedTurnRunsNothing(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	provider := newStubProvider(
		requestTools(
			call("c1", "web_search", map[string]any{"query": "weather"}),
			call("c2", "send_whatsapp_message", map[string]any{"message": "sunny", "phone_number": "+1"}),
		),
	)
	e := newTestEngine(t, provider, []ports.Tool{newSearchTool(log), newWhatsAppTool(log)})

	_, err := e.SubmitMessage(ctx, "t", "Search and send")
	require.NoError(t, err)

	res, err := e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: false})
	require.NoError(t, err)
	assert.Empty(t, log.list())
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool", "assistant"}, roles(res.Turns))
	assert.Equal(t, "c1", res.Turns[3].ToolCallID)
	assert.Equal(t, "c2", res.Turns[4].ToolCallID)
}

func TestSubmitMessage_AutoToolsRunInOrder(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	first := &StubTool{name: "first", result: "1", log: log}
	second := &StubTool{name: "second", result: map[string]any{"n": 2}, log: log}
	provider := newStubProvider(
		requestTools(call("a", "second", nil), call("b", "first", nil)),
		reply("done"),
	)
	e := newTestEngine(t, provider, []ports.Tool{first, second})

	res, err := e.SubmitMessage(ctx, "t", "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, log.list())
	assert.JSONEq(t, `{"n":2}`, res.Turns[3].Content)
	assert.Equal(t, "1", res.Turns[4].Content)
}

func TestSubmitMessage_ToolFailuresBecomeResults(t *testing.T) {
	ctx := context.Background()
	broken := &StubTool{name: "broken", err: errors.New("upstream unavailable")}
	provider := newStubProvider(
		requestTools(
			call("c1", "does_not_exist", nil),
			call("c2", "broken", nil),
		),
		reply("Sorry, the tools failed."),
	)
	e := newTestEngine(t, provider, []ports.Tool{broken})

	res, err := e.SubmitMessage(ctx, "t", "try")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, `Error: tool "does_not_exist" not found`, res.Turns[3].Content)
	assert.Contains(t, res.Turns[4].Content, "upstream unavailable")
	assert.True(t, strings.HasPrefix(res.Turns[4].Content, "Error executing tool"))
}

func TestSubmitMessage_ModelFailureLeavesThreadUntouched(t *testing.T) {
	ctx := context.Background()
	provider := newStubProvider(failWith(errors.New("connection refused")))
	e := newTestEngine(t, provider, nil)

	_, err := e.SubmitMessage(ctx, "t", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelInvocation)

	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, history)

	// An existing conversation is not extended either.
	provider.script = []step{reply("hi")}
	_, err = e.SubmitMessage(ctx, "t", "hello")
	require.NoError(t, err)
	before, _ := e.History(ctx, "t")

	provider.script = []step{failWith(errors.New("boom"))}
	_, err = e.SubmitMessage(ctx, "t", "again")
	assert.ErrorIs(t, err, ErrModelInvocation)
	after, _ := e.History(ctx, "t")
	assert.Equal(t, before, after)
}

func TestSubmitMessage_ModelFailureAfterToolKeepsResult(t *testing.T) {
	ctx := context.Background()
	search := newSearchTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "web_search", map[string]any{"query": "x"})),
		failWith(errors.New("rate limited")),
	)
	e := newTestEngine(t, provider, []ports.Tool{search})

	_, err := e.SubmitMessage(ctx, "t", "search x")
	assert.ErrorIs(t, err, ErrModelInvocation)

	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, roles(history))
	assert.Equal(t, 1, search.Invocations())
}

func TestResolveApproval_ModelFailureConsumesApproval(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+1"})),
		failWith(errors.New("timeout")),
	)
	e := newTestEngine(t, provider, []ports.Tool{whatsapp})

	_, err := e.SubmitMessage(ctx, "t", "send")
	require.NoError(t, err)

	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	assert.ErrorIs(t, err, ErrModelInvocation)
	assert.Equal(t, 1, whatsapp.Invocations())

	state, err := e.State(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserInput, state)

	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, roles(history))
}

func TestSubmitMessage_ModelTimeout(t *testing.T) {
	provider := newStubProvider()
	provider.completionFunc = func(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
		<-ctx.Done()
		return ports.Completion{}, ctx.Err()
	}
	e := newTestEngine(t, provider, nil, withPolicy(func(p *Policy) { p.ModelTimeout = 20 * time.Millisecond }))

	_, err := e.SubmitMessage(context.Background(), "t", "hello")
	assert.ErrorIs(t, err, ErrModelInvocation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitMessage_MaxIterations(t *testing.T) {
	search := newSearchTool(nil)
	provider := newStubProvider()
	var n int
	var mu sync.Mutex
	provider.completionFunc = func(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
		mu.Lock()
		n++
		id := fmt.Sprintf("c%d", n)
		mu.Unlock()
		return requestTools(call(id, "web_search", map[string]any{"query": "again"}))(in)
	}
	e := newTestEngine(t, provider, []ports.Tool{search}, withPolicy(func(p *Policy) { p.MaxIterations = 3 }))

	_, err := e.SubmitMessage(context.Background(), "t", "loop")
	assert.ErrorIs(t, err, ErrMaxIterations)
	assert.ErrorIs(t, err, ErrModelInvocation)
	assert.Equal(t, 3, provider.Calls())
	assert.Equal(t, 3, search.Invocations())
}

func TestSubmitMessage_InvalidInput(t *testing.T) {
	e := newTestEngine(t, newStubProvider(), nil)

	_, err := e.SubmitMessage(context.Background(), "t", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.SubmitMessage(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.ResolveApproval(context.Background(), ApprovalDecision{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitMessage_SystemTurnInjectedOnce(t *testing.T) {
	ctx := context.Background()
	provider := newStubProvider(reply("one"), reply("two"), reply("three"))
	e := newTestEngine(t, provider, []ports.Tool{newSearchTool(nil), newWhatsAppTool(nil)})

	_, err := e.SubmitMessage(ctx, "t", "first")
	require.NoError(t, err)
	res, err := e.SubmitMessage(ctx, "t", "second")
	require.NoError(t, err)

	systemTurns := 0
	for _, v := range res.Turns {
		if v.Role == "system" {
			systemTurns++
		}
	}
	assert.Equal(t, 1, systemTurns)
	assert.Equal(t, "system", res.Turns[0].Role)
	assert.Contains(t, res.Turns[0].Content, "web_search")
	assert.Contains(t, res.Turns[0].Content, "send_whatsapp_message")

	// Clearing starts a fresh conversation with a fresh system turn.
	require.NoError(t, e.ClearHistory(ctx, "t"))
	res, err = e.SubmitMessage(ctx, "t", "third")
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant"}, roles(res.Turns))
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	provider := newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+1"})),
	)
	e := newTestEngine(t, provider, []ports.Tool{whatsapp})

	_, err := e.SubmitMessage(ctx, "t", "send")
	require.NoError(t, err)

	require.NoError(t, e.ClearHistory(ctx, "t"))
	require.NoError(t, e.ClearHistory(ctx, "t"))
	require.NoError(t, e.ClearHistory(ctx, "never-used"))

	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, history)

	// The pending approval went with it.
	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, whatsapp.Invocations())
}

func TestHistory_UnknownThread(t *testing.T) {
	e := newTestEngine(t, newStubProvider(), nil)
	history, err := e.History(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestEngine_ConcurrentSubmitsOnOneThreadAreSerialized(t *testing.T) {
	ctx := context.Background()
	provider := newStubProvider()
	provider.completionFunc = func(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
		last := in.Turns[len(in.Turns)-1]
		time.Sleep(time.Millisecond)
		return ports.Completion{Turn: ports.Turn{Role: ports.RoleAssistant, Content: "echo: " + last.Content}}, nil
	}
	e := newTestEngine(t, provider, nil)

	const n = 10
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		wg.Go(func() {
			_, err := e.SubmitMessage(ctx, "shared", msg)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	history, err := e.History(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 1+2*n)
	for i := 1; i < len(history); i += 2 {
		assert.Equal(t, "user", history[i].Role)
		assert.Equal(t, "assistant", history[i+1].Role)
		assert.Equal(t, "echo: "+history[i].Content, history[i+1].Content)
	}
}

func TestEngine_DistinctThreadsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	provider := newStubProvider()
	provider.completionFunc = func(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return ports.Completion{}, ctx.Err()
		}
		return ports.Completion{Turn: ports.Turn{Role: ports.RoleAssistant, Content: "ok"}}, nil
	}
	e := newTestEngine(t, provider, nil)

	var wg conc.WaitGroup
	for _, thread := range []string{"a", "b"} {
		wg.Go(func() {
			_, err := e.SubmitMessage(ctx, thread, "hi")
			assert.NoError(t, err)
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			wg.Wait()
			t.Fatal("threads were serialized against each other")
		}
	}
	close(release)
	wg.Wait()
}

func TestEngine_ResumesAcrossRestartWithLibSQL(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	dsn := "file:" + filepath.Join(t.TempDir(), "checkpoints.db")

	open := func() ports.CheckpointStore {
		conn, err := db.Open(ctx, db.Config{DSN: dsn}, logger)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, db.Migrate(ctx, conn, logger))
		return adapters.NewLibSQLCheckpointStore(conn)
	}

	whatsapp := newWhatsAppTool(nil)
	first := newTestEngine(t, newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+1"})),
	), []ports.Tool{whatsapp}, withStore(open()))

	res, err := first.SubmitMessage(ctx, "durable", "send Hi to +1")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, res.Status)

	// A new process picks the suspended conversation up.
	second := newTestEngine(t, newStubProvider(reply("Sent!")), []ports.Tool{whatsapp}, withStore(open()))
	state, err := second.State(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, state)

	res, err = second.ResolveApproval(ctx, ApprovalDecision{ThreadID: "durable", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, "Sent!", res.Response)
	assert.Equal(t, 1, whatsapp.Invocations())
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "assistant"}, roles(res.Turns))
}

func TestEngine_RateLimitedModelCallFails(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry()
	require.NoError(t, err)
	e, err := NewEngine(Dependencies{
		Provider: newStubProvider(reply("one"), reply("two")),
		Registry: registry,
		Store:    adapters.NewMemoryCheckpointStore(),
		Limiter:  adapters.NewTokenBucket(1, time.Hour),
	}, DefaultPolicy(), zerolog.Nop())
	require.NoError(t, err)

	_, err = e.SubmitMessage(ctx, "t", "first")
	require.NoError(t, err)

	_, err = e.SubmitMessage(ctx, "t", "second")
	assert.ErrorIs(t, err, ErrModelInvocation)
	assert.ErrorIs(t, err, adapters.ErrRateLimitExceeded)
}

func TestNewEngine_RequiresProviderAndStore(t *testing.T) {
	_, err := NewEngine(Dependencies{Store: adapters.NewMemoryCheckpointStore()}, DefaultPolicy(), zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEngine(Dependencies{Provider: newStubProvider()}, DefaultPolicy(), zerolog.Nop())
	assert.Error(t, err)
}

func TestResolveApproval_CallIDReusedAcrossTurns(t *testing.T) {
	ctx := context.Background()
	search := newSearchTool(nil)
	whatsapp := newWhatsAppTool(nil)
	provider := newStubProvider(
		requestTools(call("call_0", "web_search", map[string]any{"query": "weather"})),
		reply("It is sunny."),
		requestTools(call("call_0", "send_whatsapp_message", map[string]any{"message": "Sunny", "phone_number": "+15550100"})),
		reply("Sent."),
	)
	e := newTestEngine(t, provider, []ports.Tool{search, whatsapp})

	_, err := e.SubmitMessage(ctx, "t", "weather?")
	require.NoError(t, err)
	res, err := e.SubmitMessage(ctx, "t", "send it to +15550100")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, res.Status)

	res, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "Sent.", res.Response)
	assert.Equal(t, 1, whatsapp.Invocations())

	state, err := e.State(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserInput, state)

	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, whatsapp.Invocations(), "a consumed approval never sends again")
}

// failingStore fails every Save while failSaves is set.
type failingStore struct {
	ports.CheckpointStore
	mu        sync.Mutex
	failSaves bool
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = v
}

func (s *failingStore) Save(ctx context.Context, cp ports.Checkpoint) (ports.Checkpoint, error) {
	s.mu.Lock()
	fail := s.failSaves
	s.mu.Unlock()
	if fail {
		return ports.Checkpoint{}, errors.New("disk full")
	}
	return s.CheckpointStore.Save(ctx, cp)
}

func TestSubmitMessage_SuspensionCommitFails(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	store := &failingStore{CheckpointStore: adapters.NewMemoryCheckpointStore(), failSaves: true}
	provider := newStubProvider(requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+1"})))
	e := newTestEngine(t, provider, []ports.Tool{whatsapp}, withStore(store))

	_, err := e.SubmitMessage(ctx, "t", "send Hi")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 0, whatsapp.Invocations())

	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestResolveApproval_CommitFailureKeepsPendingRecord(t *testing.T) {
	ctx := context.Background()
	whatsapp := newWhatsAppTool(nil)
	store := &failingStore{CheckpointStore: adapters.NewMemoryCheckpointStore()}
	provider := newStubProvider(
		requestTools(call("c1", "send_whatsapp_message", map[string]any{"message": "Hi", "phone_number": "+1"})),
		reply("Sent."),
	)
	e := newTestEngine(t, provider, []ports.Tool{whatsapp}, withStore(store))

	_, err := e.SubmitMessage(ctx, "t", "send Hi")
	require.NoError(t, err)

	store.setFailing(true)
	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: true})
	assert.ErrorIs(t, err, ErrPersistence)
	_, err = e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: false})
	assert.ErrorIs(t, err, ErrPersistence)

	cp, err := store.Load(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, cp.Pending)
	assert.Equal(t, "c1", cp.Pending.Call.ID)

	state, err := e.State(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, state)
	history, err := e.History(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant"}, roles(history))

	store.setFailing(false)
	res, err := e.ResolveApproval(ctx, ApprovalDecision{ThreadID: "t", Approved: false})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
}
