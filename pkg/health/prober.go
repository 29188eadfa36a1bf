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

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/api"
	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// DefaultProbeInterval and DefaultProbeBudget bound the readiness loop: a
	// fresh sandbox gets probeBudget * probeInterval to report both services
	// healthy before it is declared failed.
	DefaultProbeInterval = 2 * time.Second
	DefaultProbeBudget   = 30

	servicesPath = "/health/services"
)

// Probe states, as observed from one poll of the sandbox.
const (
	StateUnreachable = "UNREACHABLE"
	StateStarting    = "STARTING"
	StateHealthy     = "HEALTHY"
)

// Observation is one probe result.
type Observation struct {
	State  string
	Report *types.HealthReport
	Err    error
}

// ProberConfig configures a sandbox readiness prober.
type ProberConfig struct {
	// Client overrides the HTTP client. A 5s-timeout default applies.
	Client *http.Client

	// Interval and Budget override the loop bounds. Zero values take the
	// defaults.
	Interval time.Duration
	Budget   int

	// OnObservation, when set, receives every probe result. Used to feed
	// boot progress into the chat stream.
	OnObservation func(o Observation)
}

// Prober polls a sandbox's internal health endpoint until the sandbox is
// ready to take bridge operations. Ready means BOTH the in-sandbox bridging
// API and the user's application process report healthy; a sandbox whose
// bridging API is up but whose dev server is still installing dependencies is
// not ready.
type Prober struct {
	client        *http.Client
	interval      time.Duration
	budget        int
	onObservation func(o Observation)
}

// NewProber creates a prober.
func NewProber(cfg ProberConfig) *Prober {
	p := &Prober{
		client:        cfg.Client,
		interval:      cfg.Interval,
		budget:        cfg.Budget,
		onObservation: cfg.OnObservation,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 5 * time.Second}
	}
	if p.interval <= 0 {
		p.interval = DefaultProbeInterval
	}
	if p.budget <= 0 {
		p.budget = DefaultProbeBudget
	}
	return p
}

// Probe performs one poll against the sandbox and classifies the result.
func (p *Prober) Probe(ctx context.Context, containerURL string) Observation {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, containerURL+servicesPath, nil)
	if err != nil {
		return Observation{State: StateUnreachable, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Observation{State: StateUnreachable, Err: err}
	}
	defer resp.Body.Close()

	// The sandbox answers 200 even when unhealthy; any other status means
	// something other than the bridging API is listening.
	if resp.StatusCode != http.StatusOK {
		return Observation{
			State: StateUnreachable,
			Err:   fmt.Errorf("health endpoint returned status %d", resp.StatusCode),
		}
	}

	var report types.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Observation{State: StateUnreachable, Err: fmt.Errorf("decode health report: %w", err)}
	}

	if report.Services.ContainerAPI.Healthy && report.Services.UserApp.Healthy {
		return Observation{State: StateHealthy, Report: &report}
	}
	return Observation{State: StateStarting, Report: &report}
}

// WaitReady polls until the sandbox is healthy, the budget runs out, or ctx
// ends. onReady fires exactly once, on the first healthy observation, before
// WaitReady returns; it never fires on the failure paths.
func (p *Prober) WaitReady(ctx context.Context, containerURL string, onReady func()) error {
	var readyOnce sync.Once

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last Observation
	for i := 0; i < p.budget; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		last = p.Probe(ctx, containerURL)
		if p.onObservation != nil {
			p.onObservation(last)
		}

		switch last.State {
		case StateHealthy:
			if onReady != nil {
				readyOnce.Do(onReady)
			}
			return nil
		case StateStarting:
			klog.V(4).Infof("health: sandbox %s starting (containerApi=%v userApp=%v)",
				containerURL,
				last.Report.Services.ContainerAPI.Healthy,
				last.Report.Services.UserApp.Healthy)
		default:
			klog.V(4).Infof("health: sandbox %s unreachable: %v", containerURL, last.Err)
		}
	}

	if last.Err != nil {
		return fmt.Errorf("%w: %v", api.ErrSandboxUnhealthy, last.Err)
	}
	return fmt.Errorf("%w: sandbox %s never reported both services healthy", api.ErrSandboxUnhealthy, containerURL)
}
