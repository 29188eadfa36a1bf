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

package deploy

import (
	"context"
	"time"
)

// ServiceStatus is the provider's view of an existing service and its latest
// deployment.
type ServiceStatus struct {
	ServiceID          string
	LatestDeploymentID string
	LatestStatus       string
	URL                string
}

// ProviderLog is one log line from a deployment, as returned by the provider.
type ProviderLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Provider is the deployment provider boundary. Implementations talk to the
// cloud provider's API; the manager only sees this interface.
type Provider interface {
	// FindService looks a service up by its derived name. Returns (nil, nil)
	// when no such service exists.
	FindService(ctx context.Context, name string) (*ServiceStatus, error)

	// CreateService provisions a new service from the given base image.
	CreateService(ctx context.Context, name, image string) (serviceID string, err error)

	// SetVariables replaces the service's environment variables.
	SetVariables(ctx context.Context, serviceID string, vars map[string]string) error

	// Deploy triggers a deployment and returns its identifier.
	Deploy(ctx context.Context, serviceID string) (deploymentID string, err error)

	// CreateDomain attaches a public domain and returns its URL.
	CreateDomain(ctx context.Context, serviceID string) (url string, err error)

	// DeploymentStatus returns the provider-reported status for a deployment.
	DeploymentStatus(ctx context.Context, deploymentID string) (status string, err error)

	// Logs returns up to limit recent log lines for a deployment.
	Logs(ctx context.Context, deploymentID string, limit int) ([]ProviderLog, error)
}
