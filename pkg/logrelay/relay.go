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
	"sync"
	"time"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// DefaultBacklog is how many recent entries a relay keeps for late joiners.
const DefaultBacklog = 500

// Relay fans log entries out to stream subscribers while keeping a bounded
// backlog. One relay serves one project; entries from the deployment provider
// and from the sandbox's own process are mixed on the same stream,
// distinguished by entry type.
type Relay struct {
	mu      sync.Mutex
	backlog []types.LogEntry
	cap     int
	subs    map[chan types.LogEntry]struct{}
	closed  bool
}

// NewRelay creates a relay with the given backlog capacity. cap <= 0 takes
// DefaultBacklog.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultBacklog
	}
	return &Relay{
		cap:  capacity,
		subs: map[chan types.LogEntry]struct{}{},
	}
}

// Publish appends an entry to the backlog and delivers it to every
// subscriber. A subscriber that cannot keep up drops entries rather than
// blocking the publisher.
func (r *Relay) Publish(entry types.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.backlog = append(r.backlog, entry)
	if len(r.backlog) > r.cap {
		r.backlog = r.backlog[len(r.backlog)-r.cap:]
	}

	for ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe returns the current backlog plus a channel of subsequent entries
// and a cancel function. The channel is closed when the relay closes.
func (r *Relay) Subscribe() ([]types.LogEntry, <-chan types.LogEntry, func()) {
	ch := make(chan types.LogEntry, 256)

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]types.LogEntry, len(r.backlog))
	copy(snapshot, r.backlog)

	if r.closed {
		close(ch)
		return snapshot, ch, func() {}
	}
	r.subs[ch] = struct{}{}

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return snapshot, ch, cancel
}

// Close ends all subscriptions. Further publishes are dropped.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for ch := range r.subs {
		close(ch)
	}
	r.subs = map[chan types.LogEntry]struct{}{}
}
