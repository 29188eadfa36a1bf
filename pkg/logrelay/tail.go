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
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const reconnectDelay = 3 * time.Second

// SandboxTail follows a sandbox's websocket log stream and republishes every
// line on the relay as an app_log entry. It reconnects until ctx ends, so a
// sandbox restart only costs a gap in the stream, not the stream itself.
type SandboxTail struct {
	wsURL string
	relay *Relay
}

// NewSandboxTail builds a tail for the sandbox at containerURL.
func NewSandboxTail(containerURL string, relay *Relay) *SandboxTail {
	wsURL := strings.Replace(containerURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &SandboxTail{
		wsURL: strings.TrimSuffix(wsURL, "/") + "/ws/logs",
		relay: relay,
	}
}

// Run blocks until ctx ends, keeping the tail connected.
func (t *SandboxTail) Run(ctx context.Context) {
	for {
		if err := t.follow(ctx); err != nil && ctx.Err() == nil {
			klog.V(2).Infof("logrelay: tail %s dropped: %v", t.wsURL, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (t *SandboxTail) follow(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		entry := types.LogEntry{Type: types.LogTypeAppLog}
		if jsonErr := json.Unmarshal(data, &entry); jsonErr != nil {
			// Plain-text frame from an older sandbox build.
			entry.Message = string(data)
		}
		entry.Type = types.LogTypeAppLog
		t.relay.Publish(entry)
	}
}
