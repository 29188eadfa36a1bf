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
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	redisv9 "github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/agent"
	"github.com/vibe-together/vibebridge/pkg/common/types"
	"github.com/vibe-together/vibebridge/pkg/deploy"
	"github.com/vibe-together/vibebridge/pkg/health"
	"github.com/vibe-together/vibebridge/pkg/redis"
)

// Server is the control-plane API server: bridge endpoints, deployment
// lifecycle, chat and commit flows.
type Server struct {
	config     *Config
	engine     *gin.Engine
	httpServer *http.Server

	sessions   *SessionManager
	jwtManager *JWTManager
	provider   deploy.Provider
	registry   redis.Registry
	reaper     *redis.Reaper
	prober     *health.Prober
	model      agent.Provider
}

// NewServer creates a control-plane server instance.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.withDefaults()

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtManager, err := NewJWTManager()
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT manager: %w", err)
	}

	server := &Server{
		config:     config,
		jwtManager: jwtManager,
		sessions:   NewSessionManager(jwtManager, config.BridgeTTL),
		prober:     health.NewProber(health.ProberConfig{}),
	}

	if config.RailwayToken != "" {
		provider, err := deploy.NewRailwayProvider(deploy.RailwayConfig{
			Token:         config.RailwayToken,
			ProjectID:     config.RailwayProjectID,
			EnvironmentID: config.RailwayEnvironmentID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create deployment provider: %w", err)
		}
		server.provider = provider
	} else {
		klog.Warning("no deployment provider token configured, deployment endpoints disabled")
	}

	if config.RedisAddr != "" {
		server.registry = redis.NewRegistry(&redisv9.Options{Addr: config.RedisAddr})
		server.reaper = redis.NewReaper(redis.ReaperConfig{
			Registry: server.registry,
			OnReclaim: func(ctx context.Context, info *types.DeploymentInfo) {
				server.sessions.Delete(info.ProjectID)
			},
		})
	} else {
		klog.Warning("no Redis address configured, deployment registry disabled")
	}

	if config.OpenAIAPIKey != "" {
		model, err := agent.NewOpenAIProvider(agent.OpenAIConfig{
			APIKey: config.OpenAIAPIKey,
			Model:  config.OpenAIModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create model provider: %w", err)
		}
		server.model = model
	} else {
		klog.Warning("no model API key configured, chat endpoint disabled")
	}

	server.setupRoutes()
	return server, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "server overloaded, please try again later",
				"code":  "SERVER_OVERLOADED",
			})
			c.Abort()
		}
	}
}

// setupRoutes configures HTTP routes using Gin
func (s *Server) setupRoutes() {
	s.engine = gin.New()

	// Health check endpoint (no authentication required, no concurrency limit)
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.Use(gin.Logger())
	api.Use(gin.Recovery())
	api.Use(s.concurrencyLimitMiddleware())

	// Bridge queue: enqueue, poll-claim, respond.
	api.POST("/bridge", s.handleBridgeEnqueue)
	api.GET("/bridge", s.handleBridgeClaim)
	api.POST("/bridge/response", s.handleBridgeRespond)

	// Deployment lifecycle.
	api.POST("/deployments", s.handleCreateDeployment)
	api.GET("/deployments/:project", s.handleGetDeployment)
	api.GET("/deployments/:project/logs", s.handleDeploymentLogs)

	// Chat and commit flows.
	api.POST("/chat", s.handleChat)
	api.POST("/commit", s.handleCommit)
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.config.Port

	if s.reaper != nil {
		if err := s.reaper.Start(); err != nil {
			return fmt.Errorf("failed to start registry reaper: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		klog.Info("Shutting down server...")
		if s.reaper != nil {
			s.reaper.Stop()
		}
		s.sessions.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
	}()

	klog.Infof("Server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}
