package sandboxd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// Config defines the in-sandbox daemon configuration. REPO_URL, GITHUB_TOKEN
// and PORT come from the deployment environment.
type Config struct {
	// Port is the daemon's listen port.
	Port int

	// DevPort is the port the supervised dev process serves on.
	DevPort int

	// Workspace is the project root for all file operations.
	Workspace string

	// RepoURL is cloned into an empty workspace at bootstrap. Optional.
	RepoURL string

	// GitHubToken authenticates the clone. Optional.
	GitHubToken string

	// PollURL enables poll mode: the daemon pulls its work from the control
	// plane instead of waiting for direct forwards. Optional.
	PollURL string

	// ProjectID identifies this sandbox on the poll contract.
	ProjectID string
}

// Server is the sandbox daemon: operation executor, health reporter and
// dev-process log stream behind one gin engine.
type Server struct {
	engine     *gin.Engine
	config     Config
	auth       *AuthManager
	supervisor *Supervisor
	executor   *Executor
	started    time.Time
}

// NewServer creates a sandbox daemon instance.
func NewServer(config Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	if config.Port == 0 {
		config.Port = 8080
	}
	if config.DevPort == 0 {
		config.DevPort = 3000
	}
	config.Workspace = WorkspaceFor(config.Workspace)

	auth, err := NewAuthManagerFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load verification key: %w", err)
	}
	if !auth.Enforcing() {
		klog.Warning("no verification key configured, requests are unauthenticated")
	}

	supervisor := NewSupervisor(SupervisorConfig{
		Workspace:   config.Workspace,
		RepoURL:     config.RepoURL,
		GitHubToken: config.GitHubToken,
		Port:        config.DevPort,
	})

	s := &Server{
		config:     config,
		auth:       auth,
		supervisor: supervisor,
		executor:   NewExecutor(config.Workspace, supervisor),
		started:    time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine = gin.New()
	s.engine.Use(gin.Logger())
	s.engine.Use(gin.Recovery())

	// Health and the log stream stay open: the prober and the log tail run
	// before any token exchange.
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/services", s.handleHealthServices)
	s.engine.GET("/ws/logs", s.handleLogsWS)

	api := s.engine.Group("/api")
	api.Use(s.auth.Middleware())
	api.POST("/operation", s.handleOperation)
}

// handleOperation executes one {action, params} document. Operation failures
// come back as 200 with success=false; only malformed envelopes are 4xx.
func (s *Server) handleOperation(c *gin.Context) {
	var req types.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  http.StatusBadRequest,
		})
		return
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  http.StatusBadRequest,
		})
		return
	}

	result := s.executor.Execute(c.Request.Context(), req.Action, req.Params)
	c.Data(http.StatusOK, "application/json", result)
}

// Run starts the daemon and blocks until ctx is done. The dev process
// bootstrap and the poll loop run in the background.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.supervisor.Bootstrap(ctx); err != nil {
			klog.Errorf("bootstrap failed: %v", err)
		}
	}()

	if s.config.PollURL != "" {
		poller := NewPoller(PollerConfig{
			ServerURL: s.config.PollURL,
			ProjectID: s.config.ProjectID,
			Executor:  s.executor,
		})
		go poller.Run(ctx)
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("shutdown error: %v", err)
		}
	}()

	klog.Infof("sandbox daemon listening on %s (workspace %s)", addr, s.config.Workspace)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
