package tracking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker(map[string]string{
		"app/page.tsx":   "export default function Page() {}",
		"lib/api.ts":     "export const api = {}",
		"styles/app.css": "body {}",
	})
}

func TestChanges_Classification(t *testing.T) {
	tr := newTestTracker()

	tr.RecordWrite("app/new.tsx", "export default function New() {}")
	tr.RecordWrite("lib/api.ts", "export const api = { v2: true }")
	tr.RecordDelete("styles/app.css")
	// Touched but identical to the baseline: not a change.
	tr.RecordWrite("app/page.tsx", "export default function Page() {}")

	changes := tr.Changes()
	require.Len(t, changes, 3)

	byPath := map[string]Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, KindAdded, byPath["app/new.tsx"].Kind)
	assert.Equal(t, KindModified, byPath["lib/api.ts"].Kind)
	assert.Equal(t, "export const api = { v2: true }", byPath["lib/api.ts"].Content)
	assert.Equal(t, KindDeleted, byPath["styles/app.css"].Kind)
	assert.Empty(t, byPath["styles/app.css"].Content)
}

func TestChanges_LastWriteWins(t *testing.T) {
	tr := newTestTracker()

	tr.RecordWrite("lib/api.ts", "draft one")
	tr.RecordWrite("lib/api.ts", "draft two")

	changes := tr.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "draft two", changes[0].Content)
}

func TestChanges_RevertDropsOutOfChangeSet(t *testing.T) {
	tr := newTestTracker()

	tr.RecordWrite("lib/api.ts", "something else")
	require.True(t, tr.HasChanges())

	tr.RecordWrite("lib/api.ts", "export const api = {}")
	assert.False(t, tr.HasChanges())
}

func TestChanges_DeleteOfUntrackedFileIsNoOp(t *testing.T) {
	tr := newTestTracker()

	tr.RecordWrite("tmp/scratch.txt", "x")
	tr.RecordDelete("tmp/scratch.txt")

	assert.Empty(t, tr.Changes())
}

func TestChanges_DeleteThenRecreateIsModify(t *testing.T) {
	tr := newTestTracker()

	tr.RecordDelete("lib/api.ts")
	tr.RecordWrite("lib/api.ts", "rewritten")

	changes := tr.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, KindModified, changes[0].Kind)
}

func TestChanges_OrderedByPath(t *testing.T) {
	tr := newTestTracker()
	tr.RecordWrite("z.txt", "z")
	tr.RecordWrite("a.txt", "a")
	tr.RecordDelete("lib/api.ts")

	changes := tr.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, "a.txt", changes[0].Path)
	assert.Equal(t, "lib/api.ts", changes[1].Path)
	assert.Equal(t, "z.txt", changes[2].Path)
}

func TestReset_MakesCurrentTheBaseline(t *testing.T) {
	tr := newTestTracker()

	tr.RecordWrite("lib/api.ts", "v2")
	tr.RecordDelete("styles/app.css")
	tr.Reset()

	assert.False(t, tr.HasChanges())

	// Deleting the already-deleted file again stays a no-op, while editing
	// the committed content is a fresh modification.
	tr.RecordDelete("styles/app.css")
	assert.False(t, tr.HasChanges())
	tr.RecordWrite("lib/api.ts", "v3")
	changes := tr.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, KindModified, changes[0].Kind)
}

func TestSeedBaseline_FirstObservationWins(t *testing.T) {
	tr := NewTracker(nil)

	tr.SeedBaseline("lib/api.ts", "original content")
	tr.RecordWrite("lib/api.ts", "edited content")

	changes := tr.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, KindModified, changes[0].Kind)

	// A read observed after the edit must not displace the true baseline.
	tr.SeedBaseline("lib/api.ts", "edited content")
	changes = tr.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, KindModified, changes[0].Kind)
}

func TestDiffPreview_FirstLinesOnly(t *testing.T) {
	long := strings.Repeat("line\n", 30)
	tr := NewTracker(map[string]string{"big.txt": long})

	tr.RecordWrite("big.txt", "changed\n"+long)

	before, after, ok := tr.DiffPreview("big.txt")
	require.True(t, ok)
	assert.Len(t, strings.Split(before, "\n"), previewLines)
	assert.Len(t, strings.Split(after, "\n"), previewLines)
	assert.True(t, strings.HasPrefix(after, "changed"))

	_, _, ok = tr.DiffPreview("untouched.txt")
	assert.False(t, ok)
}
