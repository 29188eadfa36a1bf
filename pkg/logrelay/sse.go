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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// DefaultFlushInterval batches entries between flushes so a chatty dev
	// server does not turn into one write per line.
	DefaultFlushInterval = 2 * time.Second

	// DefaultHeartbeatInterval keeps idle streams alive through proxies.
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultMaxStreamAge ends a stream server-side; the consumer is
	// expected to reconnect and replay the backlog.
	DefaultMaxStreamAge = 10 * time.Minute
)

// StreamConfig bounds one SSE stream. Zero values take the defaults.
type StreamConfig struct {
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	MaxStreamAge      time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxStreamAge <= 0 {
		c.MaxStreamAge = DefaultMaxStreamAge
	}
	return c
}

// ServeSSE streams the relay over server-sent events: a connected marker
// first, then the backlog, then live entries batched per flush interval, with
// heartbeats while idle. The stream self-closes at the max age or when the
// client goes away, whichever is first.
func ServeSSE(c *gin.Context, relay *Relay, cfg StreamConfig) {
	cfg = cfg.withDefaults()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	backlog, live, cancel := relay.Subscribe()
	defer cancel()

	writeEntry(c.Writer, types.LogEntry{
		Timestamp: time.Now().UTC(),
		Message:   "log stream connected",
		Type:      types.LogTypeConnected,
	})
	for _, entry := range backlog {
		writeEntry(c.Writer, entry)
	}
	flusher.Flush()

	flushTicker := time.NewTicker(cfg.FlushInterval)
	defer flushTicker.Stop()
	heartbeatTicker := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	deadline := time.NewTimer(cfg.MaxStreamAge)
	defer deadline.Stop()

	pending := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-deadline.C:
			writeEntry(c.Writer, types.LogEntry{
				Timestamp: time.Now().UTC(),
				Message:   "log stream closed: maximum stream age reached",
				Type:      types.LogTypeError,
			})
			flusher.Flush()
			return

		case entry, open := <-live:
			if !open {
				flusher.Flush()
				return
			}
			writeEntry(c.Writer, entry)
			pending++

		case <-flushTicker.C:
			if pending > 0 {
				flusher.Flush()
				pending = 0
			}

		case <-heartbeatTicker.C:
			writeEntry(c.Writer, types.LogEntry{
				Timestamp: time.Now().UTC(),
				Type:      types.LogTypeHeartbeat,
			})
			flusher.Flush()
			pending = 0
		}
	}
}

func writeEntry(w gin.ResponseWriter, entry types.LogEntry) {
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
