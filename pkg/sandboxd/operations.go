package sandboxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// commandTimeout bounds one runCommand invocation.
	commandTimeout = 30 * time.Second
	// timeoutExitCode is the conventional exit code for a killed command.
	timeoutExitCode = 124
	// maxSearchMatches caps a single searchFiles result.
	maxSearchMatches = 200
)

// Executor runs sandbox operations against the workspace filesystem. Every
// failure is reported as a structured result with success=false so the caller
// can feed it straight back to the model.
type Executor struct {
	workspace  string
	supervisor *Supervisor
	started    time.Time
}

// NewExecutor creates an executor rooted at workspace. supervisor may be nil
// when no dev process is managed (tests, bare containers).
func NewExecutor(workspace string, supervisor *Supervisor) *Executor {
	return &Executor{
		workspace:  workspace,
		supervisor: supervisor,
		started:    time.Now(),
	}
}

// Execute dispatches one operation. The returned document always carries a
// success field; errors never escape as Go errors.
func (e *Executor) Execute(ctx context.Context, action string, params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var (
		result any
		err    error
	)
	switch action {
	case types.ActionListFiles:
		result, err = e.listFiles(params)
	case types.ActionReadFile:
		result, err = e.readFile(params)
	case types.ActionWriteFile:
		result, err = e.writeFile(params)
	case types.ActionDeleteFile:
		result, err = e.deleteFile(params)
	case types.ActionSearchFiles:
		result, err = e.searchFiles(params)
	case types.ActionReplaceLines:
		result, err = e.replaceLines(params)
	case types.ActionRunCommand:
		result, err = e.runCommand(ctx, params)
	case types.ActionRestartServer:
		result, err = e.restartServer()
	case types.ActionRunLinter:
		result, err = e.runLinter(ctx, params)
	case types.ActionCheckStatus:
		result, err = e.checkStatus()
	default:
		err = fmt.Errorf("unknown action %q", action)
	}

	if err != nil {
		klog.Warningf("operation %s failed: %v", action, err)
		return operationFailure(action, err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return operationFailure(action, fmt.Errorf("encode result: %w", err))
	}
	return out
}

func operationFailure(action string, err error) json.RawMessage {
	out, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   err.Error(),
		"message": fmt.Sprintf("The %s operation failed: %v", action, err),
	})
	return out
}

// resolvePath maps a project-relative path into the workspace and rejects
// anything that escapes it.
func (e *Executor) resolvePath(p string) (string, error) {
	if p == "" {
		p = "."
	}
	clean := filepath.Clean(strings.TrimPrefix(p, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid path %q: directory traversal detected", p)
	}
	return filepath.Join(e.workspace, clean), nil
}

func (e *Executor) listFiles(params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	dir, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.Path, err)
	}

	type fileEntry struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		kind := "file"
		if entry.IsDir() {
			kind = "directory"
		}
		files = append(files, fileEntry{Name: entry.Name(), Type: kind})
	}

	return map[string]any{
		"success": true,
		"files":   files,
		"path":    p.Path,
	}, nil
}

func (e *Executor) readFile(params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}

	return map[string]any{
		"success": true,
		"content": string(content),
		"path":    p.Path,
	}, nil
}

func (e *Executor) writeFile(params json.RawMessage) (any, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(p.Content), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}

	return map[string]any{
		"success": true,
		"path":    p.Path,
	}, nil
}

func (e *Executor) deleteFile(params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(full); err != nil {
		return nil, fmt.Errorf("delete %s: %w", p.Path, err)
	}
	if err := os.Remove(full); err != nil {
		return nil, fmt.Errorf("delete %s: %w", p.Path, err)
	}

	return map[string]any{
		"success": true,
		"path":    p.Path,
	}, nil
}

type searchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
	Match   string `json:"match"`
}

func (e *Executor) searchFiles(params json.RawMessage) (any, error) {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	root, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(p.Pattern)
	matches := []searchMatch{}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}

		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}

		rel, err := filepath.Rel(e.workspace, path)
		if err != nil {
			return nil
		}

		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, searchMatch{
					File:    rel,
					Line:    i + 1,
					Content: line,
					Match:   p.Pattern,
				})
				if len(matches) >= maxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("search %s: %w", p.Path, walkErr)
	}

	return map[string]any{
		"success": true,
		"matches": matches,
	}, nil
}

// isBinary applies the classic null-byte sniff over the file head.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.IndexByte(head, 0) >= 0
}

func (e *Executor) replaceLines(params json.RawMessage) (any, error) {
	var p struct {
		Path        string `json:"path"`
		StartLine   int    `json:"startLine"`
		EndLine     int    `json:"endLine"`
		Query       string `json:"query"`
		Replacement string `json:"replacement"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	content := string(data)

	var updated string
	switch {
	case p.StartLine > 0 && p.EndLine > 0:
		lines := strings.Split(content, "\n")
		if p.StartLine > len(lines) || p.EndLine < p.StartLine {
			return nil, fmt.Errorf("line range %d-%d out of bounds for %d lines", p.StartLine, p.EndLine, len(lines))
		}
		end := p.EndLine
		if end > len(lines) {
			end = len(lines)
		}
		var out []string
		out = append(out, lines[:p.StartLine-1]...)
		out = append(out, p.Replacement)
		out = append(out, lines[end:]...)
		updated = strings.Join(out, "\n")

	case p.Query != "":
		if !strings.Contains(content, p.Query) {
			return nil, fmt.Errorf("query text not found in %s", p.Path)
		}
		updated = strings.Replace(content, p.Query, p.Replacement, 1)

	default:
		return nil, fmt.Errorf("either startLine/endLine or query is required")
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.Path, err)
	}
	if err := os.WriteFile(full, []byte(updated), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}

	// The full updated content rides along so the caller can track the edit
	// without a follow-up read.
	return map[string]any{
		"success": true,
		"path":    p.Path,
		"content": updated,
	}, nil
}

func (e *Executor) runCommand(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cwd, err := e.resolvePath(p.Cwd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var exitCode int
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		exitCode = timeoutExitCode
		stderr.WriteString(fmt.Sprintf("command timed out after %.0f seconds", commandTimeout.Seconds()))
	case runErr != nil:
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		} else {
			exitCode = 1
			if stderr.Len() == 0 {
				stderr.WriteString(runErr.Error())
			}
		}
	}

	return map[string]any{
		"success":  exitCode == 0,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": exitCode,
	}, nil
}

func (e *Executor) restartServer() (any, error) {
	if e.supervisor == nil {
		return nil, fmt.Errorf("no dev process supervisor configured")
	}
	if err := e.supervisor.Restart(); err != nil {
		return nil, fmt.Errorf("restart dev process: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (e *Executor) runLinter(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Files string `json:"files"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	if !e.hasLintScript() {
		// No linter is not an error: the agent gets a clean empty report.
		return map[string]any{
			"success":  true,
			"warnings": []string{},
			"errors":   []string{},
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "npm", "run", "lint", "--silent")
	cmd.Dir = e.workspace

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	runErr := cmd.Run()

	warnings := []string{}
	errors := []string{}
	for _, line := range strings.Split(combined.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"):
			errors = append(errors, line)
		case strings.Contains(lower, "warning") || strings.Contains(lower, "warn"):
			warnings = append(warnings, line)
		}
	}

	return map[string]any{
		"success":  runErr == nil,
		"warnings": warnings,
		"errors":   errors,
	}, nil
}

// hasLintScript reports whether package.json declares a lint script.
func (e *Executor) hasLintScript() bool {
	data, err := os.ReadFile(filepath.Join(e.workspace, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	_, ok := pkg.Scripts["lint"]
	return ok
}

func (e *Executor) checkStatus() (any, error) {
	entries := []string{}
	if dirents, err := os.ReadDir(e.workspace); err == nil {
		for _, d := range dirents {
			entries = append(entries, d.Name())
		}
		sort.Strings(entries)
	}

	status := map[string]any{
		"success":   true,
		"workspace": e.workspace,
		"uptime":    time.Since(e.started).String(),
		"entries":   entries,
	}
	if e.supervisor != nil {
		status["devServer"] = e.supervisor.State()
	}
	return status, nil
}
