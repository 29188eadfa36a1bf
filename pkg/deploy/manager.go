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
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/api"
	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// DefaultBaseImage is the sandbox runtime image every new service starts
	// from. The entrypoint clones the repository and supervises the dev server.
	DefaultBaseImage = "ghcr.io/vibe-together/sandbox-runtime:latest"

	// DefaultPollInterval and DefaultPollBudget bound the status loop: the
	// manager gives a deployment pollBudget * pollInterval to reach a terminal
	// status before declaring it failed.
	DefaultPollInterval = 5 * time.Second
	DefaultPollBudget   = 60
)

// Deployment phases, reported while Ensure runs.
const (
	PhaseCheckingExisting = "CHECKING_EXISTING"
	PhaseReusing          = "REUSING"
	PhaseCreating         = "CREATING"
	PhaseConfiguring      = "CONFIGURING"
	PhaseDeploying        = "DEPLOYING"
	PhasePollingStatus    = "POLLING_STATUS"
	PhaseReady            = "READY"
	PhaseFailed           = "FAILED"
)

// ManagerConfig configures a deployment manager.
type ManagerConfig struct {
	Provider Provider

	// BaseImage overrides DefaultBaseImage.
	BaseImage string

	// PollInterval and PollBudget override the status loop bounds. Zero
	// values take the defaults.
	PollInterval time.Duration
	PollBudget   int

	// ExtraVariables are merged into every configured service's environment,
	// on top of the repository variables. The caller uses this to inject the
	// request-signing public key the sandbox daemon verifies against.
	ExtraVariables map[string]string

	// OnPhase, when set, is called once per phase transition. Used to feed
	// progress into the chat stream.
	OnPhase func(phase string)
}

// Manager drives a repository from "no sandbox" to a running deployment. It
// owns the provisioning sequence only; persistence of the resulting
// DeploymentInfo is the caller's concern.
type Manager struct {
	provider     Provider
	baseImage    string
	pollInterval time.Duration
	pollBudget   int
	extraVars    map[string]string
	onPhase      func(phase string)
}

// NewManager creates a deployment manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("deploy: provider is required")
	}
	m := &Manager{
		provider:     cfg.Provider,
		baseImage:    cfg.BaseImage,
		pollInterval: cfg.PollInterval,
		pollBudget:   cfg.PollBudget,
		extraVars:    cfg.ExtraVariables,
		onPhase:      cfg.OnPhase,
	}
	if m.baseImage == "" {
		m.baseImage = DefaultBaseImage
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.pollBudget <= 0 {
		m.pollBudget = DefaultPollBudget
	}
	return m, nil
}

func (m *Manager) phase(p string) {
	if m.onPhase != nil {
		m.onPhase(p)
	}
}

// Ensure brings up a sandbox deployment for (repoURL, userID) and returns its
// description. When a service with the derived name already exists and its
// latest deployment succeeded, that deployment is reused as-is: no create, no
// variable writes, no redeploy. githubToken is forwarded into the sandbox so
// it can clone private repositories; it may be empty for public ones.
func (m *Manager) Ensure(ctx context.Context, repoURL, userID, githubToken string) (*types.DeploymentInfo, error) {
	name := ServiceName(repoURL, userID)

	m.phase(PhaseCheckingExisting)
	existing, err := m.provider.FindService(ctx, name)
	if err != nil {
		m.phase(PhaseFailed)
		return nil, fmt.Errorf("find service %s: %w", name, err)
	}

	if existing != nil && existing.LatestStatus == types.StatusSuccess {
		m.phase(PhaseReusing)
		klog.Infof("deploy: reusing service %s (deployment %s)", existing.ServiceID, existing.LatestDeploymentID)
		url := existing.URL
		if url == "" {
			if url, err = m.provider.CreateDomain(ctx, existing.ServiceID); err != nil {
				m.phase(PhaseFailed)
				return nil, fmt.Errorf("attach domain to %s: %w", existing.ServiceID, err)
			}
		}
		m.phase(PhaseReady)
		return &types.DeploymentInfo{
			ServiceID:    existing.ServiceID,
			DeploymentID: existing.LatestDeploymentID,
			Status:       types.StatusSuccess,
			URL:          url,
			RepoURL:      repoURL,
			CreatedAt:    time.Now().UTC(),
		}, nil
	}

	var serviceID string
	if existing != nil {
		// The service exists but its latest deployment never succeeded.
		// Reconfigure and redeploy in place rather than leaking a second
		// service under a new name.
		serviceID = existing.ServiceID
		klog.Infof("deploy: service %s exists with status %s, redeploying", serviceID, existing.LatestStatus)
	} else {
		m.phase(PhaseCreating)
		klog.Infof("deploy: creating service %s for %s", name, repoURL)
		if serviceID, err = m.provider.CreateService(ctx, name, m.baseImage); err != nil {
			m.phase(PhaseFailed)
			return nil, fmt.Errorf("create service %s: %w", name, err)
		}
	}

	m.phase(PhaseConfiguring)
	vars := map[string]string{
		"REPO_URL": repoURL,
		"VIBE_ENV": "sandbox",
		"PORT":     "3000",
	}
	if githubToken != "" {
		vars["GITHUB_TOKEN"] = githubToken
	}
	for k, v := range m.extraVars {
		vars[k] = v
	}
	if err := m.provider.SetVariables(ctx, serviceID, vars); err != nil {
		m.phase(PhaseFailed)
		return nil, fmt.Errorf("set variables on %s: %w", serviceID, err)
	}

	m.phase(PhaseDeploying)
	deploymentID, err := m.provider.Deploy(ctx, serviceID)
	if err != nil {
		m.phase(PhaseFailed)
		return nil, fmt.Errorf("deploy %s: %w", serviceID, err)
	}
	klog.Infof("deploy: deployment %s started on %s", deploymentID, serviceID)

	m.phase(PhasePollingStatus)
	status, err := m.awaitTerminal(ctx, deploymentID)
	if err != nil {
		m.phase(PhaseFailed)
		return nil, err
	}
	if status != types.StatusSuccess {
		m.phase(PhaseFailed)
		return nil, api.NewDeployFailedError(fmt.Sprintf("deployment %s ended with status %s", deploymentID, status))
	}

	url, err := m.provider.CreateDomain(ctx, serviceID)
	if err != nil {
		m.phase(PhaseFailed)
		return nil, fmt.Errorf("attach domain to %s: %w", serviceID, err)
	}

	m.phase(PhaseReady)
	klog.Infof("deploy: deployment %s ready at %s", deploymentID, url)
	return &types.DeploymentInfo{
		ServiceID:    serviceID,
		DeploymentID: deploymentID,
		Status:       types.StatusSuccess,
		URL:          url,
		RepoURL:      repoURL,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// awaitTerminal polls the deployment status until it is terminal or the poll
// budget runs out. A transient status read error does not consume the loop; a
// context cancellation ends it immediately.
func (m *Manager) awaitTerminal(ctx context.Context, deploymentID string) (string, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for i := 0; i < m.pollBudget; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := m.provider.DeploymentStatus(ctx, deploymentID)
		if err != nil {
			klog.Warningf("deploy: status read for %s failed: %v", deploymentID, err)
			continue
		}
		if types.IsTerminalStatus(status) {
			return status, nil
		}
		klog.V(4).Infof("deploy: deployment %s status %s", deploymentID, status)
	}

	return "", api.NewDeployFailedError(fmt.Sprintf("deployment %s did not reach a terminal status in time", deploymentID))
}
