package tools

import (
	"encoding/json"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// Definition describes one capability exposed to the model's tool-calling
// loop: a name, a short description, and a JSON schema for its arguments.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Definitions returns the fixed tool set in a stable order. Each definition's
// name is a bridge action; the agent never sees any other capability.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        types.ActionListFiles,
			Description: "List files and directories at a path in the project",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Directory to list, relative to the project root. Defaults to \".\""}
				}
			}`),
		},
		{
			Name:        types.ActionReadFile,
			Description: "Read the contents of a file",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the project root"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        types.ActionWriteFile,
			Description: "Write content to a file, creating parent directories as needed",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
		},
		{
			Name:        types.ActionDeleteFile,
			Description: "Delete a file",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        types.ActionSearchFiles,
			Description: "Search project files for a pattern (case-insensitive)",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string"},
					"path": {"type": "string", "description": "Directory to search under. Defaults to \".\""}
				},
				"required": ["pattern"]
			}`),
		},
		{
			Name:        types.ActionReplaceLines,
			Description: "Replace a line range or a literal text match in a file, leaving all other lines untouched",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"startLine": {"type": "integer", "description": "1-based first line of the range variant"},
					"endLine": {"type": "integer", "description": "1-based last line of the range variant"},
					"query": {"type": "string", "description": "Literal text to find for the find/replace variant"},
					"replacement": {"type": "string"}
				},
				"required": ["path", "replacement"]
			}`),
		},
		{
			Name:        types.ActionRunCommand,
			Description: "Run a shell command in the project and capture its output",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string"},
					"cwd": {"type": "string", "description": "Working directory. Defaults to \".\""}
				},
				"required": ["command"]
			}`),
		},
		{
			Name:        types.ActionRestartServer,
			Description: "Stop and relaunch the project's dev server (best effort)",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        types.ActionRunLinter,
			Description: "Run the project's linter, if one is configured",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"files": {"type": "string", "description": "Files to lint. Defaults to \"all\""}
				}
			}`),
		},
		{
			Name:        types.ActionCheckStatus,
			Description: "Fetch a diagnostic bundle from the sandbox to debug tool issues",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}
