package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	gotAction       string
	gotParams       json.RawMessage
	gotContainerURL string
	result          json.RawMessage
	err             error
	calls           int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, action string, params json.RawMessage, containerURL string) (json.RawMessage, error) {
	f.calls++
	f.gotAction = action
	f.gotParams = params
	f.gotContainerURL = containerURL
	return f.result, f.err
}

func decodeResult(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestInvoke_TranslatesToOneEnqueue(t *testing.T) {
	f := &fakeEnqueuer{result: json.RawMessage(`{"success":true,"content":"x","path":"a.txt"}`)}
	inv := NewInvoker(f, "http://sandbox:4100")

	result := inv.Invoke(context.Background(), "readFile", json.RawMessage(`{"path":"a.txt"}`))

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "readFile", f.gotAction)
	assert.Equal(t, "http://sandbox:4100", f.gotContainerURL)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(f.gotParams))
	assert.JSONEq(t, `{"success":true,"content":"x","path":"a.txt"}`, string(result))
}

func TestInvoke_AppliesDefaults(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		args       string
		wantParams string
	}{
		{"listFiles default path", "listFiles", `{}`, `{"path":"."}`},
		{"searchFiles default path", "searchFiles", `{"pattern":"todo"}`, `{"pattern":"todo","path":"."}`},
		{"runCommand default cwd", "runCommand", `{"command":"npm test"}`, `{"command":"npm test","cwd":"."}`},
		{"runLinter default files", "runLinter", `{}`, `{"files":"all"}`},
		{"restartServer ignores args", "restartServer", ``, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEnqueuer{result: json.RawMessage(`{"success":true}`)}
			inv := NewInvoker(f, "")
			inv.Invoke(context.Background(), tt.action, json.RawMessage(tt.args))
			assert.JSONEq(t, tt.wantParams, string(f.gotParams))
		})
	}
}

func TestInvoke_ValidationFailureIsStructured(t *testing.T) {
	tests := []struct {
		name   string
		action string
		args   string
	}{
		{"readFile missing path", "readFile", `{}`},
		{"writeFile missing path", "writeFile", `{"content":"x"}`},
		{"searchFiles missing pattern", "searchFiles", `{}`},
		{"runCommand missing command", "runCommand", `{}`},
		{"replaceLines missing variant", "replaceLines", `{"path":"a.txt","replacement":"x"}`},
		{"replaceLines inverted range", "replaceLines", `{"path":"a.txt","startLine":5,"endLine":2,"replacement":"x"}`},
		{"malformed json", "readFile", `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEnqueuer{}
			inv := NewInvoker(f, "")
			out := decodeResult(t, inv.Invoke(context.Background(), tt.action, json.RawMessage(tt.args)))

			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
			assert.NotEmpty(t, out["message"])
			// The queue must never be reached with invalid arguments.
			assert.Equal(t, 0, f.calls)
		})
	}
}

func TestInvoke_UnknownToolIsStructured(t *testing.T) {
	f := &fakeEnqueuer{}
	inv := NewInvoker(f, "")

	out := decodeResult(t, inv.Invoke(context.Background(), "formatDisk", nil))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "formatDisk")
	assert.Equal(t, 0, f.calls)
}

func TestInvoke_EnqueueErrorIsStructuredNotThrown(t *testing.T) {
	f := &fakeEnqueuer{err: errors.New("bridge request timed out: request abc (readFile)")}
	inv := NewInvoker(f, "")

	out := decodeResult(t, inv.Invoke(context.Background(), "readFile", json.RawMessage(`{"path":"a.txt"}`)))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "timed out")
	assert.Contains(t, out["message"], "readFile")
}

func TestDefinitions_CoverEveryAction(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 10)
	for _, d := range defs {
		assert.NotEmpty(t, d.Description, "tool %s has no description", d.Name)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.Parameters, &schema), "tool %s schema is not valid JSON", d.Name)
		assert.Equal(t, "object", schema["type"])
	}
}
