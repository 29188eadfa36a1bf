package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/sandboxd"
)

func main() {
	var (
		port      = flag.Int("port", 8080, "Port for the sandbox daemon to listen on")
		devPort   = flag.Int("dev-port", 0, "Port the dev process serves on (default: PORT env or 3000)")
		workspace = flag.String("workspace", "/app/workspace", "Root directory for file operations")
		pollURL   = flag.String("poll-url", "", "Control plane base URL for poll mode (empty disables polling)")
		projectID = flag.String("project-id", "", "Project identifier for poll mode")
	)

	klog.InitFlags(nil)
	flag.Parse()

	resolvedDevPort := *devPort
	if resolvedDevPort == 0 {
		if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
			resolvedDevPort = v
		}
	}

	config := sandboxd.Config{
		Port:        *port,
		DevPort:     resolvedDevPort,
		Workspace:   *workspace,
		RepoURL:     os.Getenv("REPO_URL"),
		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		PollURL:     *pollURL,
		ProjectID:   *projectID,
	}

	server, err := sandboxd.NewServer(config)
	if err != nil {
		klog.Fatalf("Failed to create sandbox daemon: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		klog.Fatalf("Sandbox daemon error: %v", err)
	}
	klog.Info("Sandbox daemon stopped")
}
