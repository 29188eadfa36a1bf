package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// Enqueuer is the single bridge operation a tool invocation translates into.
// Satisfied by *bridge.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, action string, params json.RawMessage, containerURL string) (json.RawMessage, error)
}

// Invoker executes named tools against one project's sandbox. Every failure
// comes back as a structured result carrying error and a short message — the
// chat loop surfaces that message as progress narration, so handlers never
// return a Go error to it.
type Invoker struct {
	queue        Enqueuer
	containerURL string
}

// NewInvoker binds the tool set to a sandbox. containerURL may be empty when
// the sandbox side polls for its work.
func NewInvoker(queue Enqueuer, containerURL string) *Invoker {
	return &Invoker{queue: queue, containerURL: containerURL}
}

// Invoke validates the arguments for name and performs exactly one bridge
// enqueue. The returned document always has a success field.
func (inv *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	if !types.IsKnownAction(name) {
		return failure(fmt.Sprintf("unknown tool %q", name), "I tried to use a tool that does not exist.")
	}

	params, err := normalizeParams(name, args)
	if err != nil {
		return failure(err.Error(), fmt.Sprintf("Invalid arguments for %s: %v", name, err))
	}

	result, err := inv.queue.Enqueue(ctx, name, params, inv.containerURL)
	if err != nil {
		klog.Warningf("tools: %s failed: %v", name, err)
		return failure(err.Error(), fmt.Sprintf("The %s operation failed: %v", name, err))
	}
	return result
}

// failure builds the structured error result shape.
func failure(errMsg, message string) json.RawMessage {
	out, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   errMsg,
		"message": message,
	})
	return out
}

type listFilesParams struct {
	Path string `json:"path"`
}

type readFileParams struct {
	Path string `json:"path"`
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type deleteFileParams struct {
	Path string `json:"path"`
}

type searchFilesParams struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

type replaceLinesParams struct {
	Path        string `json:"path"`
	StartLine   int    `json:"startLine,omitempty"`
	EndLine     int    `json:"endLine,omitempty"`
	Query       string `json:"query,omitempty"`
	Replacement string `json:"replacement"`
}

type runCommandParams struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

type runLinterParams struct {
	Files string `json:"files"`
}

// normalizeParams validates the raw arguments for action, applies defaults,
// and returns the canonical params document sent over the bridge.
func normalizeParams(action string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	switch action {
	case types.ActionListFiles:
		var p listFilesParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			p.Path = "."
		}
		return json.Marshal(p)

	case types.ActionReadFile:
		var p readFileParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		return json.Marshal(p)

	case types.ActionWriteFile:
		var p writeFileParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		return json.Marshal(p)

	case types.ActionDeleteFile:
		var p deleteFileParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		return json.Marshal(p)

	case types.ActionSearchFiles:
		var p searchFilesParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Pattern == "" {
			return nil, fmt.Errorf("pattern is required")
		}
		if p.Path == "" {
			p.Path = "."
		}
		return json.Marshal(p)

	case types.ActionReplaceLines:
		var p replaceLinesParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		hasRange := p.StartLine > 0 && p.EndLine > 0
		if !hasRange && p.Query == "" {
			return nil, fmt.Errorf("either startLine/endLine or query is required")
		}
		if hasRange && p.EndLine < p.StartLine {
			return nil, fmt.Errorf("endLine must not precede startLine")
		}
		return json.Marshal(p)

	case types.ActionRunCommand:
		var p runCommandParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Command == "" {
			return nil, fmt.Errorf("command is required")
		}
		if p.Cwd == "" {
			p.Cwd = "."
		}
		return json.Marshal(p)

	case types.ActionRunLinter:
		var p runLinterParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Files == "" {
			p.Files = "all"
		}
		return json.Marshal(p)

	case types.ActionRestartServer, types.ActionCheckStatus:
		return json.RawMessage(`{}`), nil
	}

	return nil, fmt.Errorf("unknown action %q", action)
}
