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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/agent"
	"github.com/vibe-together/vibebridge/pkg/api"
	"github.com/vibe-together/vibebridge/pkg/bridge"
	"github.com/vibe-together/vibebridge/pkg/common/types"
	"github.com/vibe-together/vibebridge/pkg/deploy"
	"github.com/vibe-together/vibebridge/pkg/githubapi"
	"github.com/vibe-together/vibebridge/pkg/logrelay"
	"github.com/vibe-together/vibebridge/pkg/redis"
	"github.com/vibe-together/vibebridge/pkg/tracking"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.sessions.Count(),
	})
}

// touchActivity refreshes the project's last-activity index so the reaper
// sees it as alive.
func (s *Server) touchActivity(ctx context.Context, projectID string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.TouchProject(ctx, projectID, time.Now().UTC()); err != nil && !errors.Is(err, redis.ErrNotFound) {
		klog.Warningf("server: touch project %s: %v", projectID, err)
	}
}

type bridgeEnqueueRequest struct {
	ProjectID    string          `json:"projectId" binding:"required"`
	Action       string          `json:"action" binding:"required"`
	Params       json.RawMessage `json:"params"`
	ContainerURL string          `json:"containerUrl"`
}

// handleBridgeEnqueue runs one sandbox operation and blocks until its answer
// arrives, the bridge TTL elapses, or the caller goes away.
func (s *Server) handleBridgeEnqueue(c *gin.Context) {
	var req bridgeEnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op := types.OperationRequest{Action: req.Action, Params: req.Params}
	if err := op.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := s.sessions.GetOrCreate(req.ProjectID)
	containerURL := req.ContainerURL
	if containerURL == "" {
		containerURL = session.ContainerURL()
	}

	s.touchActivity(c.Request.Context(), req.ProjectID)

	result, err := session.Queue.Enqueue(c.Request.Context(), req.Action, req.Params, containerURL)
	if err != nil {
		var sandboxErr *bridge.SandboxError
		switch {
		case errors.As(err, &sandboxErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": sandboxErr.Message})
		case errors.Is(err, api.ErrBridgeTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		case errors.Is(err, api.ErrQueueClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// handleBridgeClaim drains the pending set for a project. This is the poll
// contract: each pending request is handed out exactly once.
func (s *Server) handleBridgeClaim(c *gin.Context) {
	projectID := c.Query("project")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project query parameter is required"})
		return
	}

	session := s.sessions.Get(projectID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}

	claimed := session.Queue.ClaimAll()
	if claimed == nil {
		claimed = []bridge.ClaimedRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": claimed})
}

type bridgeRespondRequest struct {
	ProjectID  string          `json:"projectId" binding:"required"`
	ResponseID string          `json:"responseId" binding:"required"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
}

// handleBridgeRespond settles one claimed request. Responses for ids that
// were never claimed are acknowledged but change nothing.
func (s *Server) handleBridgeRespond(c *gin.Context) {
	var req bridgeRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := s.sessions.Get(req.ProjectID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}

	accepted := session.Queue.Resolve(req.ResponseID, req.Result, req.Error)
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type createDeploymentRequest struct {
	RepoURL     string `json:"repoUrl" binding:"required"`
	UserID      string `json:"userId" binding:"required"`
	GitHubToken string `json:"githubToken"`
}

// handleCreateDeployment starts (or reuses) the sandbox deployment for a
// repository. Provisioning runs in the background; progress lands on the
// project's log stream and the deployment endpoint reports the result.
func (s *Server) handleCreateDeployment(c *gin.Context) {
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.provider == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "deployment provider not configured"})
		return
	}

	projectID := deploy.ServiceName(req.RepoURL, req.UserID)
	session := s.sessions.GetOrCreate(projectID)

	if info := session.Deployment(); info != nil {
		c.JSON(http.StatusOK, gin.H{"projectId": projectID, "deployment": info})
		return
	}

	// A record in the registry means a prior server run already deployed
	// this project; rebind instead of redeploying.
	if s.registry != nil {
		if info, err := s.registry.GetDeploymentByProject(c.Request.Context(), projectID); err == nil {
			session.BindDeployment(info)
			s.touchActivity(c.Request.Context(), projectID)
			c.JSON(http.StatusOK, gin.H{"projectId": projectID, "deployment": info})
			return
		}
	}

	githubToken := req.GitHubToken
	if githubToken == "" {
		githubToken = s.config.GitHubToken
	}

	go s.provision(session, req.RepoURL, req.UserID, githubToken)

	c.JSON(http.StatusAccepted, gin.H{"projectId": projectID, "status": types.StatusBuilding})
}

// sandboxAuthVars builds the environment the sandbox daemon needs to verify
// this server's request signatures.
func (s *Server) sandboxAuthVars() map[string]string {
	pubPEM, err := s.jwtManager.PublicKeyPEM()
	if err != nil {
		klog.Errorf("server: export signing public key: %v", err)
		return nil
	}
	return map[string]string{
		"SANDBOXD_PUBLIC_KEY": base64.StdEncoding.EncodeToString(pubPEM),
	}
}

// provision drives one deployment to ready in the background, narrating
// progress onto the session's log stream.
func (s *Server) provision(session *Session, repoURL, userID, githubToken string) {
	relay := session.Relay
	narrate := func(format string, args ...any) {
		relay.Publish(types.LogEntry{
			Message: fmt.Sprintf(format, args...),
			Type:    types.LogTypeLog,
		})
	}

	mgr, err := deploy.NewManager(deploy.ManagerConfig{
		Provider:       s.provider,
		ExtraVariables: s.sandboxAuthVars(),
		OnPhase: func(phase string) {
			narrate("deployment: %s", phase)
		},
	})
	if err != nil {
		klog.Errorf("server: build deployment manager: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(session.Context(), 15*time.Minute)
	defer cancel()

	info, err := mgr.Ensure(ctx, repoURL, userID, githubToken)
	if err != nil {
		klog.Errorf("server: deployment for project %s failed: %v", session.ProjectID, err)
		relay.Publish(types.LogEntry{
			Message: fmt.Sprintf("deployment failed: %v", err),
			Type:    types.LogTypeError,
		})
		return
	}

	info.ProjectID = session.ProjectID
	info.ExpiresAt = time.Now().UTC().Add(s.config.SandboxTTL)
	session.BindDeployment(info)

	if s.registry != nil {
		if err := s.registry.StoreDeployment(ctx, info, s.config.SandboxTTL); err != nil {
			klog.Errorf("server: store deployment for project %s: %v", session.ProjectID, err)
		}
	}

	go logrelay.NewProviderPoll(s.provider, info.DeploymentID, relay).Run(session.Context())

	// Deployment SUCCESS is not readiness: wait until both in-sandbox
	// services answer before telling anyone to use it.
	if err := s.prober.WaitReady(ctx, info.URL, func() {
		narrate("sandbox ready at %s", info.URL)
	}); err != nil {
		klog.Warningf("server: sandbox for project %s not ready: %v", session.ProjectID, err)
		relay.Publish(types.LogEntry{
			Message: fmt.Sprintf("sandbox failed health checks: %v", err),
			Type:    types.LogTypeError,
		})
	}
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	projectID := c.Param("project")

	if session := s.sessions.Get(projectID); session != nil {
		if info := session.Deployment(); info != nil {
			c.JSON(http.StatusOK, gin.H{"projectId": projectID, "deployment": info})
			return
		}
		c.JSON(http.StatusOK, gin.H{"projectId": projectID, "status": types.StatusBuilding})
		return
	}

	if s.registry != nil {
		if info, err := s.registry.GetDeploymentByProject(c.Request.Context(), projectID); err == nil {
			c.JSON(http.StatusOK, gin.H{"projectId": projectID, "deployment": info})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
}

// handleDeploymentLogs streams the project's log relay over SSE.
func (s *Server) handleDeploymentLogs(c *gin.Context) {
	session := s.sessions.Get(c.Param("project"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	logrelay.ServeSSE(c, session.Relay, logrelay.StreamConfig{})
}

type chatRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

// handleChat runs one agent turn and streams its events over SSE.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.model == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model provider not configured"})
		return
	}
	session := s.sessions.Get(req.ProjectID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}

	s.touchActivity(c.Request.Context(), req.ProjectID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	emit := func(event agent.Event) {
		b, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	loop, err := agent.NewLoop(agent.LoopConfig{
		Provider: s.model,
		Invoker:  session.ToolInvoker(),
		OnEvent:  emit,
	})
	if err != nil {
		emit(agent.Event{Kind: agent.EventAssistantText, Text: err.Error()})
		return
	}

	history, err := loop.Run(c.Request.Context(), session.History(), req.Message)
	if err != nil && c.Request.Context().Err() == nil {
		klog.Errorf("server: chat turn for project %s: %v", req.ProjectID, err)
		emit(agent.Event{Kind: agent.EventAssistantText, Text: fmt.Sprintf("Something went wrong: %v", err)})
	}
	session.SetHistory(history)
}

type commitRequest struct {
	ProjectID   string `json:"projectId" binding:"required"`
	Message     string `json:"message"`
	Branch      string `json:"branch"`
	GitHubToken string `json:"githubToken"`
}

// handleCommit stages the session's tracked changes as one commit on the
// project repository.
func (s *Server) handleCommit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session := s.sessions.Get(req.ProjectID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	info := session.Deployment()
	if info == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "deployment not ready"})
		return
	}

	changes := session.Tracker.Changes()
	if len(changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no changes to commit"})
		return
	}

	token := req.GitHubToken
	if token == "" {
		token = s.config.GitHubToken
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "GitHub token is required"})
		return
	}

	repo, err := ownerRepo(info.RepoURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := githubapi.NewClient(githubapi.Config{Token: token, BaseURL: s.config.GitHubAPIBaseURL})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	branch := req.Branch
	if branch == "" {
		if branch, err = client.DefaultBranch(ctx, repo); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	fileChanges := make([]githubapi.FileChange, 0, len(changes))
	for _, change := range changes {
		fileChanges = append(fileChanges, githubapi.FileChange{
			Path:    change.Path,
			Content: change.Content,
			Deleted: change.Kind == tracking.KindDeleted,
		})
	}

	sha, err := client.CommitChanges(ctx, repo, branch, req.Message, fileChanges)
	if err != nil {
		if errors.Is(err, githubapi.ErrBranchNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	session.Tracker.Reset()
	s.touchActivity(ctx, req.ProjectID)

	c.JSON(http.StatusOK, gin.H{
		"commitSha":    sha,
		"branch":       branch,
		"filesChanged": len(fileChanges),
	})
}

// ownerRepo extracts "owner/name" from a repository URL.
func ownerRepo(repoURL string) (string, error) {
	s := strings.TrimSpace(repoURL)
	for _, prefix := range []string{"https://", "http://", "git@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Replace(s, ":", "/", 1)
	s = strings.TrimSuffix(s, ".git")
	s = strings.TrimSuffix(s, "/")

	parts := strings.Split(s, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("cannot derive owner/repo from %q", repoURL)
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1], nil
}
