/*
Copyright The VibeBridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Reply is the model's answer to one provider call.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the model boundary. One call takes the conversation so far and
// the available tools and returns the next assistant turn.
type Provider interface {
	Next(ctx context.Context, messages []Message, defs []tools.Definition) (*Reply, error)
}

// Event kinds emitted while a loop runs.
const (
	EventAssistantText = "assistant_text"
	EventToolStart     = "tool_start"
	EventToolResult    = "tool_result"
	EventDone          = "done"
)

// Event is one progress notification from a running loop.
type Event struct {
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// DefaultMaxSteps bounds how many provider round-trips one user message may
// trigger.
const DefaultMaxSteps = 15

// ToolInvoker executes one named tool. Satisfied by *tools.Invoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) json.RawMessage
}

// LoopConfig configures a chat loop.
type LoopConfig struct {
	Provider Provider
	Invoker  ToolInvoker

	// MaxSteps overrides DefaultMaxSteps.
	MaxSteps int

	// OnEvent, when set, receives progress events. Used to feed the chat
	// SSE stream.
	OnEvent func(Event)
}

// Loop drives one conversation: model turn, tool execution, model turn, until
// the model answers without tools or the step budget runs out. Tools run
// sequentially in the order the model requested them; their structured
// results go back into the conversation verbatim, including failures, so the
// model can react to them.
type Loop struct {
	provider Provider
	invoker  ToolInvoker
	maxSteps int
	onEvent  func(Event)
}

// NewLoop creates a chat loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("agent: tool invoker is required")
	}
	l := &Loop{
		provider: cfg.Provider,
		invoker:  cfg.Invoker,
		maxSteps: cfg.MaxSteps,
		onEvent:  cfg.OnEvent,
	}
	if l.maxSteps <= 0 {
		l.maxSteps = DefaultMaxSteps
	}
	return l, nil
}

func (l *Loop) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// Run processes one user message on top of history and returns the extended
// conversation. The returned slice always ends with an assistant message.
func (l *Loop) Run(ctx context.Context, history []Message, userMessage string) ([]Message, error) {
	messages := append(append([]Message{}, history...), Message{
		Role:    RoleUser,
		Content: userMessage,
	})
	defs := tools.Definitions()

	for step := 0; step < l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return messages, err
		}

		reply, err := l.provider.Next(ctx, messages, defs)
		if err != nil {
			return messages, fmt.Errorf("agent: provider call failed: %w", err)
		}

		if reply.Content != "" {
			l.emit(Event{Kind: EventAssistantText, Text: reply.Content})
		}
		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		if len(reply.ToolCalls) == 0 {
			l.emit(Event{Kind: EventDone})
			return messages, nil
		}

		for _, call := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return messages, err
			}

			l.emit(Event{Kind: EventToolStart, ToolName: call.Name})
			klog.V(2).Infof("agent: running tool %s", call.Name)

			result := l.invoker.Invoke(ctx, call.Name, call.Arguments)
			l.emit(Event{Kind: EventToolResult, ToolName: call.Name, Result: result})

			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    string(result),
				ToolCallID: call.ID,
			})
		}
	}

	// Budget exhausted: close the turn with an explicit assistant message
	// instead of leaving the conversation dangling on a tool result.
	final := Message{
		Role:    RoleAssistant,
		Content: "I ran out of steps while working on this. The changes so far are in place; tell me to continue if you want me to keep going.",
	}
	l.emit(Event{Kind: EventAssistantText, Text: final.Content})
	l.emit(Event{Kind: EventDone})
	return append(messages, final), nil
}
