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

package api

import (
	"errors"
	"fmt"
)

var (
	// ErrBridgeTimeout indicates a bridge request aged out before a sandbox
	// answered it.
	ErrBridgeTimeout = errors.New("bridge request timed out")

	// ErrQueueClosed indicates the bridge queue has been shut down.
	ErrQueueClosed = errors.New("bridge queue closed")

	// ErrDeploymentNotFound indicates no deployment is registered for the project.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrDeployFailed indicates the provider reported a terminal failure or the
	// polling budget was exhausted.
	ErrDeployFailed = errors.New("deployment failed")

	// ErrUpstreamUnavailable indicates the deployment or repository provider
	// could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

	// ErrSandboxUnhealthy indicates the sandbox failed its health check budget.
	ErrSandboxUnhealthy = errors.New("sandbox failed health checks")
)

// NewBridgeTimeoutError wraps ErrBridgeTimeout with the request identity.
func NewBridgeTimeoutError(id, action string) error {
	return fmt.Errorf("%w: request %s (%s)", ErrBridgeTimeout, id, action)
}

// NewUpstreamStatusError wraps ErrUpstreamUnavailable with the provider's
// HTTP status and body so the caller sees the provider message verbatim.
func NewUpstreamStatusError(statusCode int, body []byte) error {
	return fmt.Errorf("%w: status code %d, body: %s", ErrUpstreamUnavailable, statusCode, string(body))
}

// NewDeployFailedError wraps ErrDeployFailed with the provider's reason.
func NewDeployFailedError(reason string) error {
	return fmt.Errorf("%w: %s", ErrDeployFailed, reason)
}
