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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/server"
)

func main() {
	var (
		port                  = flag.String("port", "8080", "API server port")
		debug                 = flag.Bool("debug", false, "Enable debug mode")
		maxConcurrentRequests = flag.Int("max-concurrent-requests", 1000, "Maximum number of concurrent requests")
		redisAddr             = flag.String("redis-addr", "", "Deployment registry address (empty disables the registry)")
		sandboxTTL            = flag.Duration("sandbox-ttl", 24*time.Hour, "Deployment registry record lifetime")
	)

	// Initialize klog flags
	klog.InitFlags(nil)

	// Parse command line flags
	flag.Parse()

	config := &server.Config{
		Port:                  *port,
		Debug:                 *debug,
		MaxConcurrentRequests: *maxConcurrentRequests,
		RedisAddr:             *redisAddr,
		SandboxTTL:            *sandboxTTL,

		// Credentials come from the environment, never from flags.
		RailwayToken:         os.Getenv("RAILWAY_TOKEN"),
		RailwayProjectID:     os.Getenv("RAILWAY_PROJECT_ID"),
		RailwayEnvironmentID: os.Getenv("RAILWAY_ENVIRONMENT_ID"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:          os.Getenv("OPENAI_MODEL"),
		GitHubToken:          os.Getenv("GITHUB_TOKEN"),
	}

	srv, err := server.NewServer(config)
	if err != nil {
		klog.Fatalf("Failed to create API server: %v", err)
	}

	// Setup signal handling with context cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting vibebridge server on port %s", *port)
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
		<-errCh
	case err := <-errCh:
		klog.Fatalf("Server error: %v", err)
	}

	klog.Info("Server stopped")
}
