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

package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/agent"
	"github.com/vibe-together/vibebridge/pkg/bridge"
	"github.com/vibe-together/vibebridge/pkg/common/types"
	"github.com/vibe-together/vibebridge/pkg/logrelay"
	"github.com/vibe-together/vibebridge/pkg/tools"
	"github.com/vibe-together/vibebridge/pkg/tracking"
)

// Session is everything the server holds for one live project: its bridge
// queue, log relay, file change tracker and conversation history. A session
// exists before its deployment is ready; tool calls run in poll mode until a
// container URL is bound.
type Session struct {
	ProjectID string

	Queue   *bridge.Queue
	Relay   *logrelay.Relay
	Tracker *tracking.Tracker

	mu          sync.Mutex
	info        *types.DeploymentInfo
	invoker     agent.ToolInvoker
	history     []agent.Message
	tailRunning bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Deployment returns the bound deployment, or nil while provisioning.
func (s *Session) Deployment() *types.DeploymentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ToolInvoker returns the session's tool executor.
func (s *Session) ToolInvoker() agent.ToolInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoker
}

// ContainerURL returns the bound sandbox URL, or empty in poll mode.
func (s *Session) ContainerURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return ""
	}
	return s.info.URL
}

// BindDeployment attaches a ready deployment: tool calls switch from poll
// mode to direct forwards, and the sandbox log tail starts.
func (s *Session) BindDeployment(info *types.DeploymentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = info
	if info == nil || info.URL == "" {
		return
	}
	s.invoker = newTrackingInvoker(tools.NewInvoker(s.Queue, info.URL), s.Tracker)
	if !s.tailRunning {
		s.tailRunning = true
		go logrelay.NewSandboxTail(info.URL, s.Relay).Run(s.ctx)
	}
}

// Context ends when the session closes. Background work tied to the session
// lifetime runs under it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// History returns a copy of the conversation so far.
func (s *Session) History() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Message, len(s.history))
	copy(out, s.history)
	return out
}

// SetHistory replaces the conversation.
func (s *Session) SetHistory(messages []agent.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = messages
}

// close tears the session down: background tails stop, waiters are rejected,
// stream subscribers are disconnected.
func (s *Session) close() {
	s.cancel()
	s.Queue.Close()
	s.Relay.Close()
}

// SessionManager owns the live sessions, keyed by project ID.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	tokens    bridge.TokenSource
	bridgeTTL time.Duration
}

// NewSessionManager creates a session manager. tokens signs direct sandbox
// forwards; nil disables signing. bridgeTTL bounds how long a bridge request
// may wait for its answer; zero takes the bridge default.
func NewSessionManager(tokens bridge.TokenSource, bridgeTTL time.Duration) *SessionManager {
	return &SessionManager{
		sessions:  map[string]*Session{},
		tokens:    tokens,
		bridgeTTL: bridgeTTL,
	}
}

// Get returns the session for projectID, or nil.
func (m *SessionManager) Get(projectID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[projectID]
}

// GetOrCreate returns the existing session for projectID or builds a fresh
// unbound one.
func (m *SessionManager) GetOrCreate(projectID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[projectID]; ok {
		return s
	}

	queue := bridge.NewQueue(bridge.Config{
		TTL:    m.bridgeTTL,
		Direct: bridge.NewDirectForwardTransport(m.tokens),
	})
	tracker := tracking.NewTracker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ProjectID: projectID,
		Queue:     queue,
		Relay:     logrelay.NewRelay(0),
		Tracker:   tracker,
		invoker:   newTrackingInvoker(tools.NewInvoker(queue, ""), tracker),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.sessions[projectID] = s
	klog.Infof("server: session created for project %s", projectID)
	return s
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Delete closes and removes the session for projectID.
func (m *SessionManager) Delete(projectID string) {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()

	if ok {
		s.close()
		klog.Infof("server: session closed for project %s", projectID)
	}
}

// CloseAll tears down every session, for server shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// trackingInvoker observes tool results to keep the session's change tracker
// current: reads seed the baseline, successful writes and deletes move the
// change set.
type trackingInvoker struct {
	inner   agent.ToolInvoker
	tracker *tracking.Tracker
}

func newTrackingInvoker(inner agent.ToolInvoker, tracker *tracking.Tracker) *trackingInvoker {
	return &trackingInvoker{inner: inner, tracker: tracker}
}

func (t *trackingInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	result := t.inner.Invoke(ctx, name, args)

	var outcome struct {
		Success bool   `json:"success"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(result, &outcome); err != nil || !outcome.Success {
		return result
	}

	switch name {
	case types.ActionReadFile:
		if outcome.Path != "" {
			t.tracker.SeedBaseline(outcome.Path, outcome.Content)
		}
	case types.ActionWriteFile:
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if json.Unmarshal(args, &p) == nil && p.Path != "" {
			t.tracker.RecordWrite(p.Path, p.Content)
		}
	case types.ActionReplaceLines:
		// The sandbox echoes the full updated file back for edits.
		if outcome.Path != "" {
			t.tracker.RecordWrite(outcome.Path, outcome.Content)
		}
	case types.ActionDeleteFile:
		var p struct {
			Path string `json:"path"`
		}
		if json.Unmarshal(args, &p) == nil && p.Path != "" {
			t.tracker.RecordDelete(p.Path)
		}
	}
	return result
}
