package sandboxd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// fakeControlPlane serves one claim batch, then empty batches, and records
// the responses pushed back.
type fakeControlPlane struct {
	mu        sync.Mutex
	batch     []types.OperationRequest
	served    bool
	responses []types.OperationResponse
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bridge", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		batch := []types.OperationRequest{}
		if !f.served {
			batch = f.batch
			f.served = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"requests": batch})
	})
	mux.HandleFunc("POST /api/bridge/response", func(w http.ResponseWriter, r *http.Request) {
		var resp types.OperationResponse
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.responses = append(f.responses, resp)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	})
	return mux
}

func (f *fakeControlPlane) pushed() []types.OperationResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OperationResponse, len(f.responses))
	copy(out, f.responses)
	return out
}

func TestPoller_ClaimsExecutesAndResponds(t *testing.T) {
	plane := &fakeControlPlane{
		batch: []types.OperationRequest{
			{ID: "req-1", Action: "writeFile", Params: json.RawMessage(`{"path":"p.txt","content":"polled"}`)},
			{ID: "req-2", Action: "readFile", Params: json.RawMessage(`{"path":"p.txt"}`)},
		},
	}
	ts := httptest.NewServer(plane.handler())
	defer ts.Close()

	executor := newTestExecutor(t)
	poller := NewPoller(PollerConfig{
		ServerURL: ts.URL,
		ProjectID: "proj-1",
		Executor:  executor,
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	require.Eventually(t, func() bool {
		return len(plane.pushed()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	responses := plane.pushed()
	assert.Equal(t, "req-1", responses[0].ResponseID)
	assert.Equal(t, "req-2", responses[1].ResponseID)
	assert.Equal(t, "proj-1", responses[0].ProjectID)
	assert.Equal(t, "proj-1", responses[1].ProjectID)

	// The second operation read back what the first wrote.
	var readResult map[string]any
	require.NoError(t, json.Unmarshal(responses[1].Result, &readResult))
	assert.Equal(t, true, readResult["success"])
	assert.Equal(t, "polled", readResult["content"])
}

func TestPoller_SurvivesClaimErrors(t *testing.T) {
	// Point at a closed server: every claim fails, the loop keeps running.
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	poller := NewPoller(PollerConfig{
		ServerURL: ts.URL,
		ProjectID: "proj-1",
		Executor:  newTestExecutor(t),
		Interval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}
