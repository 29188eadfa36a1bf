package logrelay

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

func newSSETestServer(t *testing.T, relay *Relay, cfg StreamConfig) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/logs", func(c *gin.Context) {
		ServeSSE(c, relay, cfg)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// readEntries reads SSE data frames until want entries arrived or the stream
// ended.
func readEntries(t *testing.T, body *bufio.Scanner, want int) []types.LogEntry {
	t.Helper()
	var entries []types.LogEntry
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var entry types.LogEntry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entry))
		entries = append(entries, entry)
		if len(entries) >= want {
			break
		}
	}
	return entries
}

func TestServeSSE_ConnectedMarkerThenBacklog(t *testing.T) {
	relay := NewRelay(10)
	relay.Publish(types.LogEntry{Message: "old-1", Type: types.LogTypeLog})
	relay.Publish(types.LogEntry{Message: "old-2", Type: types.LogTypeAppLog})

	srv := newSSETestServer(t, relay, StreamConfig{FlushInterval: 10 * time.Millisecond})

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	entries := readEntries(t, bufio.NewScanner(resp.Body), 3)
	require.Len(t, entries, 3)
	assert.Equal(t, types.LogTypeConnected, entries[0].Type)
	assert.Equal(t, "old-1", entries[1].Message)
	assert.Equal(t, "old-2", entries[2].Message)
}

func TestServeSSE_LiveEntriesArrive(t *testing.T) {
	relay := NewRelay(10)
	srv := newSSETestServer(t, relay, StreamConfig{FlushInterval: 10 * time.Millisecond})

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	// Consume the connected marker first.
	readEntries(t, scanner, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		relay.Publish(types.LogEntry{Message: "ready in 900ms", Type: types.LogTypeAppLog})
	}()

	entries := readEntries(t, scanner, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "ready in 900ms", entries[0].Message)
	assert.Equal(t, types.LogTypeAppLog, entries[0].Type)
}

func TestServeSSE_HeartbeatOnIdleStream(t *testing.T) {
	relay := NewRelay(10)
	srv := newSSETestServer(t, relay, StreamConfig{
		FlushInterval:     10 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	})

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	entries := readEntries(t, scanner, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, types.LogTypeConnected, entries[0].Type)
	assert.Equal(t, types.LogTypeHeartbeat, entries[1].Type)
}

func TestServeSSE_MaxAgeClosesStream(t *testing.T) {
	relay := NewRelay(10)
	srv := newSSETestServer(t, relay, StreamConfig{
		FlushInterval: 10 * time.Millisecond,
		MaxStreamAge:  50 * time.Millisecond,
	})

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var last types.LogEntry
	for _, e := range readEntries(t, scanner, 10) {
		last = e
	}
	// The stream must end on its own with a final error-typed entry.
	assert.Equal(t, types.LogTypeError, last.Type)
	assert.Contains(t, last.Message, "maximum stream age")
}
