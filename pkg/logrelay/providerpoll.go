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

package logrelay

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
	"github.com/vibe-together/vibebridge/pkg/deploy"
)

const (
	providerPollInterval = 5 * time.Second
	providerPollLimit    = 200
)

// ProviderPoll republishes deployment build/runtime logs from the provider
// onto the relay. The provider API has no streaming surface, so this polls
// and deduplicates by timestamp watermark.
type ProviderPoll struct {
	provider     deploy.Provider
	deploymentID string
	relay        *Relay
}

// NewProviderPoll builds a poll for the given deployment.
func NewProviderPoll(provider deploy.Provider, deploymentID string, relay *Relay) *ProviderPoll {
	return &ProviderPoll{provider: provider, deploymentID: deploymentID, relay: relay}
}

// Run blocks until ctx ends, polling the provider for new log lines.
func (p *ProviderPoll) Run(ctx context.Context) {
	ticker := time.NewTicker(providerPollInterval)
	defer ticker.Stop()

	var watermark time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		logs, err := p.provider.Logs(ctx, p.deploymentID, providerPollLimit)
		if err != nil {
			if ctx.Err() == nil {
				klog.V(2).Infof("logrelay: provider logs for %s: %v", p.deploymentID, err)
			}
			continue
		}

		for _, line := range logs {
			if !line.Timestamp.After(watermark) {
				continue
			}
			watermark = line.Timestamp
			p.relay.Publish(types.LogEntry{
				Timestamp: line.Timestamp,
				Message:   line.Message,
				Type:      types.LogTypeLog,
			})
		}
	}
}
