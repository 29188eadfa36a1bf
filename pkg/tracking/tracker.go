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

package tracking

import (
	"sort"
	"strings"
	"sync"
)

// Change kinds.
const (
	KindAdded    = "added"
	KindModified = "modified"
	KindDeleted  = "deleted"
)

// Change is one file delta between the session baseline and the current
// sandbox state.
type Change struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
}

// Tracker records file writes and deletes during a session against the
// baseline captured at session start, so the commit flow can stage exactly
// what changed. A write that restores a file to its baseline content makes
// the file drop out of the change set again.
type Tracker struct {
	mu       sync.Mutex
	original map[string]string
	// current holds the latest observed content; a nil value is a deletion
	// tombstone.
	current map[string]*string
}

// NewTracker creates a tracker with the given baseline. The baseline map is
// copied.
func NewTracker(baseline map[string]string) *Tracker {
	t := &Tracker{
		original: make(map[string]string, len(baseline)),
		current:  map[string]*string{},
	}
	for path, content := range baseline {
		t.original[path] = content
	}
	return t
}

// SeedBaseline records the first-seen content of path as its baseline. It is
// a no-op once the path has a baseline or has already been written this
// session, so reads observed after an edit cannot overwrite the true
// original.
func (t *Tracker) SeedBaseline(path, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.original[path]; ok {
		return
	}
	if _, touched := t.current[path]; touched {
		return
	}
	t.original[path] = content
}

// RecordWrite notes the current content of path after a write or edit.
func (t *Tracker) RecordWrite(path, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[path] = &content
}

// RecordDelete notes that path was removed.
func (t *Tracker) RecordDelete(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[path] = nil
}

// Changes classifies every touched path against the baseline and returns the
// change set ordered by path. Touched paths whose content matches the
// baseline are not changes.
func (t *Tracker) Changes() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for path, cur := range t.current {
		orig, existed := t.original[path]

		if cur == nil {
			// Deleting a file the baseline never had is a net no-op.
			if existed {
				changes = append(changes, Change{Path: path, Kind: KindDeleted})
			}
			continue
		}

		switch {
		case !existed:
			changes = append(changes, Change{Path: path, Kind: KindAdded, Content: *cur})
		case orig != *cur:
			changes = append(changes, Change{Path: path, Kind: KindModified, Content: *cur})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// HasChanges reports whether any path currently differs from the baseline.
func (t *Tracker) HasChanges() bool {
	return len(t.Changes()) > 0
}

// Reset makes the current state the new baseline, typically after a
// successful commit.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for path, cur := range t.current {
		if cur == nil {
			delete(t.original, path)
		} else {
			t.original[path] = *cur
		}
	}
	t.current = map[string]*string{}
}

// previewLines bounds the diff preview on each side.
const previewLines = 10

// DiffPreview returns a shallow preview of a file's change: the first lines
// of the baseline and current content. It is a display aid for commit
// confirmation, not a real diff.
func (t *Tracker) DiffPreview(path string) (before, after string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, touched := t.current[path]
	if !touched {
		return "", "", false
	}

	before = headLines(t.original[path], previewLines)
	if cur != nil {
		after = headLines(*cur, previewLines)
	}
	return before, after, true
}

func headLines(s string, n int) string {
	if s == "" {
		return ""
	}
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
