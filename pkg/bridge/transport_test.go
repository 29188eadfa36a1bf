package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(action string) (string, error) { return s.token, nil }

func TestDirectForward_BypassesClaimPath(t *testing.T) {
	var gotAuth string
	var gotReq types.OperationRequest
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/operation", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"content":"hello","path":"a.txt"}`))
	}))
	defer sandbox.Close()

	q := newTestQueue(t, Config{
		Direct: &DirectForwardTransport{Tokens: staticTokens{token: "tok-1"}},
	})

	result, err := q.Enqueue(context.Background(), "readFile", json.RawMessage(`{"path":"a.txt"}`), sandbox.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"content":"hello","path":"a.txt"}`, string(result))

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "readFile", gotReq.Action)

	// The forward never touched the poll path.
	assert.Empty(t, q.ClaimAll())
	assert.Equal(t, 0, q.InFlight())
}

func TestDirectForward_Non2xxIsError(t *testing.T) {
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Server not initialized"}`, http.StatusForbidden)
	}))
	defer sandbox.Close()

	q := newTestQueue(t, Config{Direct: &DirectForwardTransport{}})

	_, err := q.Enqueue(context.Background(), "checkStatus", json.RawMessage(`{}`), sandbox.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 403")
	assert.Contains(t, err.Error(), "Server not initialized")
}

func TestDirectForward_UnreachableSandbox(t *testing.T) {
	q := newTestQueue(t, Config{
		Direct: &DirectForwardTransport{RequestTimeout: 200 * time.Millisecond},
	})

	_, err := q.Enqueue(context.Background(), "checkStatus", json.RawMessage(`{}`), "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, 0, q.InFlight())
}

func TestDirectForward_NoTransportConfigured(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(context.Background(), "checkStatus", json.RawMessage(`{}`), "http://sandbox.example")
	require.Error(t, err)
}
