package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/internal/tools"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// fakeTurn is one scripted LLM exchange.
type fakeTurn struct {
	resp *llm.Response
	err  error

	// onCall runs when the turn is consumed, before returning. Used to
	// trigger aborts mid-run.
	onCall func()
}

// fakeClient replays scripted turns and records every request.
type fakeClient struct {
	mu       sync.Mutex
	turns    []fakeTurn
	requests []*llm.Request
	model    string
}

func (f *fakeClient) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.turns) == 0 {
		f.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	f.mu.Unlock()

	if turn.onCall != nil {
		turn.onCall()
	}
	if ctx.Err() != nil {
		return nil, llm.ErrRequestCancelled
	}
	return turn.resp, turn.err
}

func (f *fakeClient) ChatStream(ctx context.Context, req *llm.Request, onChunk llm.StreamFunc) (*llm.Response, error) {
	resp, err := f.Chat(ctx, req)
	if err == nil && onChunk != nil {
		if resp.Message.Content != "" {
			onChunk(resp.Message.Content, false)
		}
		onChunk("", true)
	}
	return resp, err
}

func (f *fakeClient) Model() string {
	if f.model == "" {
		return "test-model"
	}
	return f.model
}

func (f *fakeClient) Abort() {}

func (f *fakeClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func assistantText(content string) *llm.Response {
	return &llm.Response{Message: models.AssistantMessage(content)}
}

func assistantToolCall(id, name, arguments string) *llm.Response {
	return &llm.Response{Message: models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: arguments}},
	}}
}

// fakeIO records broadcasts and answers round trips from scripts.
type fakeIO struct {
	mu         sync.Mutex
	broadcasts []broadcastRecord
	approval   models.ApprovalOutcome
	askAnswer  string
}

type broadcastRecord struct {
	channel string
	data    []any
}

func (f *fakeIO) Broadcast(channel string, data ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRecord{channel: channel, data: data})
}

func (f *fakeIO) RequestApproval(_ context.Context, _ models.ApprovalRequest) (models.ApprovalOutcome, error) {
	if f.approval.Decision == "" {
		return models.ApprovalOutcome{Decision: models.ApprovedOnce}, nil
	}
	return f.approval, nil
}

func (f *fakeIO) AskUser(_ context.Context, _ string) (string, error) {
	return f.askAnswer, nil
}

func (f *fakeIO) ShowTaskWindow() {}
func (f *fakeIO) FlashWindows()   {}

func (f *fakeIO) channelEvents(channel string) []broadcastRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastRecord
	for _, b := range f.broadcasts {
		if b.channel == channel {
			out = append(out, b)
		}
	}
	return out
}

// echoGroup registers the echo(text) test tool from the seed scenarios.
func echoGroup() *tools.Group {
	return &tools.Group{
		ID: "testing",
		Defs: []tools.Definition{{
			Name:        "echo",
			Description: "Echo the given text back.",
			Parameters: tools.ObjectSchema(map[string]any{
				"text": tools.StringProp("Text to echo."),
			}, "text"),
			GroupID: "testing",
		}},
		Handlers: map[string]tools.Handler{
			"echo": func(_ context.Context, args map[string]any, _ *tools.Context) *tools.Result {
				text, _ := args["text"].(string)
				return tools.Ok(text)
			},
		},
	}
}

type loopFixture struct {
	loop   *Loop
	client *fakeClient
	io     *fakeIO
	state  *RunState
}

func newLoopFixture(t *testing.T, turns []fakeTurn, extraGroups ...*tools.Group) *loopFixture {
	t.Helper()

	groups := append([]*tools.Group{tools.CommunicationGroup(), tools.TodoGroup()}, extraGroups...)
	registry, err := tools.NewRegistry(groups...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, g := range extraGroups {
		registry.Enable(g.ID)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	metrics := observability.NopMetrics()
	client := &fakeClient{turns: turns}
	io := &fakeIO{}
	state := NewRunState(t.TempDir())

	loop := NewLoop(LoopOptions{
		Client:    client,
		Registry:  registry,
		Executor:  tools.NewExecutor(registry, approverFromIO(io), logger, metrics),
		Tracker:   NewContextTracker(),
		Compactor: NewCompactor(client, logger, metrics),
		Planner:   NewPlanner(client, logger, io.AskUser),
		State:     state,
		IO:        io,
		Logger:    logger,
		Metrics:   metrics,
	})
	return &loopFixture{loop: loop, client: client, io: io, state: state}
}

// approverFromIO adapts the fake IO to the executor's Approver.
type ioApprover struct{ io *fakeIO }

func approverFromIO(io *fakeIO) tools.Approver { return ioApprover{io: io} }

func (a ioApprover) RequestApproval(ctx context.Context, req models.ApprovalRequest) (models.ApprovalOutcome, error) {
	return a.io.RequestApproval(ctx, req)
}
