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

import "time"

// Config contains configuration parameters for the control-plane server.
type Config struct {
	// Port is the port the API server listens on
	Port string

	// Debug enables debug mode
	Debug bool

	// MaxConcurrentRequests limits the number of concurrent requests (0 = default)
	MaxConcurrentRequests int

	// RedisAddr is the deployment registry address. Empty disables the
	// registry and the reaper; sessions then live only in process memory.
	RedisAddr string

	// RailwayToken, RailwayProjectID and RailwayEnvironmentID configure the
	// deployment provider. Empty token disables deployment endpoints.
	RailwayToken         string
	RailwayProjectID     string
	RailwayEnvironmentID string

	// OpenAIAPIKey and OpenAIModel configure the chat model. Empty key
	// disables the chat endpoint.
	OpenAIAPIKey string
	OpenAIModel  string

	// GitHubToken is the fallback repository credential when a request does
	// not carry its own.
	GitHubToken string

	// GitHubAPIBaseURL overrides the GitHub API root, mainly for tests.
	GitHubAPIBaseURL string

	// SandboxTTL is how long a deployment record lives in the registry.
	SandboxTTL time.Duration

	// BridgeTTL bounds how long a bridge request may wait for its answer.
	BridgeTTL time.Duration
}

const (
	defaultPort                  = "8080"
	defaultMaxConcurrentRequests = 1000
	defaultSandboxTTL            = 24 * time.Hour
)

// withDefaults fills zero values.
func (c *Config) withDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = defaultMaxConcurrentRequests
	}
	if c.SandboxTTL <= 0 {
		c.SandboxTTL = defaultSandboxTTL
	}
}
