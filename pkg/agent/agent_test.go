package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/tools"
)

// scriptedProvider returns canned replies in order.
type scriptedProvider struct {
	replies []*Reply
	calls   int
	err     error

	lastMessages []Message
}

func (p *scriptedProvider) Next(ctx context.Context, messages []Message, defs []tools.Definition) (*Reply, error) {
	p.lastMessages = messages
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.replies) {
		return &Reply{Content: "done"}, nil
	}
	reply := p.replies[p.calls]
	p.calls++
	return reply, nil
}

// recordingInvoker records invocation order and returns a fixed result.
type recordingInvoker struct {
	invoked []string
	result  json.RawMessage
}

func (r *recordingInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	r.invoked = append(r.invoked, name)
	if r.result != nil {
		return r.result
	}
	return json.RawMessage(`{"success":true}`)
}

func newTestLoop(t *testing.T, p Provider, inv ToolInvoker, events *[]Event) *Loop {
	t.Helper()
	l, err := NewLoop(LoopConfig{
		Provider: p,
		Invoker:  inv,
		OnEvent: func(e Event) {
			if events != nil {
				*events = append(*events, e)
			}
		},
	})
	require.NoError(t, err)
	return l
}

func TestRun_PlainAnswerNoTools(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{{Content: "hello there"}}}
	inv := &recordingInvoker{}
	var events []Event
	l := newTestLoop(t, p, inv, &events)

	messages, err := l.Run(context.Background(), nil, "hi")
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	assert.Equal(t, "hello there", messages[1].Content)
	assert.Empty(t, inv.invoked)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestRun_ToolsExecuteSequentiallyInOrder(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{
		{
			Content: "Let me look at the code.",
			ToolCalls: []ToolCall{
				{ID: "c1", Name: "listFiles", Arguments: json.RawMessage(`{"path":"."}`)},
				{ID: "c2", Name: "readFile", Arguments: json.RawMessage(`{"path":"app/page.tsx"}`)},
			},
		},
		{Content: "Here is what I found."},
	}}
	inv := &recordingInvoker{result: json.RawMessage(`{"success":true,"files":[]}`)}
	var events []Event
	l := newTestLoop(t, p, inv, &events)

	messages, err := l.Run(context.Background(), nil, "what is in this repo?")
	require.NoError(t, err)

	assert.Equal(t, []string{"listFiles", "readFile"}, inv.invoked)

	// Conversation shape: user, assistant(+tools), tool, tool, assistant.
	require.Len(t, messages, 5)
	assert.Equal(t, RoleTool, messages[2].Role)
	assert.Equal(t, "c1", messages[2].ToolCallID)
	assert.Equal(t, "c2", messages[3].ToolCallID)
	assert.JSONEq(t, `{"success":true,"files":[]}`, messages[2].Content)
	assert.Equal(t, "Here is what I found.", messages[4].Content)

	// Tool results were sent back to the provider on the second call.
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, RoleTool, p.lastMessages[len(p.lastMessages)-1].Role)
}

func TestRun_ToolFailureGoesBackToModel(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "readFile", Arguments: json.RawMessage(`{}`)}}},
		{Content: "That file does not exist."},
	}}
	inv := &recordingInvoker{result: json.RawMessage(`{"success":false,"error":"path is required","message":"Invalid arguments"}`)}
	l := newTestLoop(t, p, inv, nil)

	messages, err := l.Run(context.Background(), nil, "read it")
	require.NoError(t, err)

	// The structured failure is in the conversation, not an aborted run.
	assert.Contains(t, messages[2].Content, `"success":false`)
	assert.Equal(t, "That file does not exist.", messages[len(messages)-1].Content)
}

func TestRun_StepBudgetBoundsToolLoops(t *testing.T) {
	// A provider that always wants another tool call.
	endless := make([]*Reply, 100)
	for i := range endless {
		endless[i] = &Reply{ToolCalls: []ToolCall{{ID: "c", Name: "checkStatus"}}}
	}
	p := &scriptedProvider{replies: endless}
	inv := &recordingInvoker{}
	l, err := NewLoop(LoopConfig{Provider: p, Invoker: inv, MaxSteps: 3})
	require.NoError(t, err)

	messages, err := l.Run(context.Background(), nil, "loop forever")
	require.NoError(t, err)

	assert.Equal(t, 3, p.calls)
	assert.Len(t, inv.invoked, 3)
	last := messages[len(messages)-1]
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "ran out of steps")
}

func TestRun_ContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &scriptedProvider{replies: []*Reply{{Content: "never"}}}
	l := newTestLoop(t, p, &recordingInvoker{}, nil)

	_, err := l.Run(ctx, nil, "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.calls)
}

func TestRun_ProviderErrorSurfaces(t *testing.T) {
	p := &scriptedProvider{err: errors.New("rate limited")}
	l := newTestLoop(t, p, &recordingInvoker{}, nil)

	_, err := l.Run(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRun_EventsNarrateToolProgress(t *testing.T) {
	p := &scriptedProvider{replies: []*Reply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "writeFile", Arguments: json.RawMessage(`{"path":"a.txt","content":"x"}`)}}},
		{Content: "Written."},
	}}
	var events []Event
	l := newTestLoop(t, p, &recordingInvoker{}, &events)

	_, err := l.Run(context.Background(), nil, "write a file")
	require.NoError(t, err)

	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{EventToolStart, EventToolResult, EventAssistantText, EventDone}, kinds)
	assert.Equal(t, "writeFile", events[0].ToolName)
}
