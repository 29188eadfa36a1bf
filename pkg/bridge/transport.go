package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vibe-together/vibebridge/pkg/api"
	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// SandboxTransport executes one operation against a sandbox. The queue picks
// a transport once per enqueue; its core logic never branches on transport
// type.
type SandboxTransport interface {
	Execute(ctx context.Context, req *pendingRequest) (json.RawMessage, error)
}

// PollTransport parks the request in the pending set and waits for a poller
// to claim it and push a response back. Used when the sandbox cannot be
// reached directly and must pull its own work.
type PollTransport struct {
	queue *Queue
}

func (t *PollTransport) Execute(ctx context.Context, req *pendingRequest) (json.RawMessage, error) {
	if err := t.queue.park(req); err != nil {
		return nil, err
	}
	return t.queue.wait(ctx, req)
}

// TokenSource mints a bearer token for one outbound sandbox request.
type TokenSource interface {
	Token(action string) (string, error)
}

// DirectForwardTransport issues the operation to the sandbox daemon over
// HTTP. The request is still tracked in the in-flight set so the sweep's TTL
// bookkeeping covers it, but the claim/poll path is bypassed entirely.
type DirectForwardTransport struct {
	// Client is used for the forward. A default with RequestTimeout applies
	// when nil.
	Client *http.Client

	// Tokens signs outbound requests. Optional; when nil requests are sent
	// unauthenticated (local development).
	Tokens TokenSource

	// RequestTimeout bounds a single forward.
	RequestTimeout time.Duration
}

// DefaultRequestTimeout bounds one direct forward to the sandbox.
const DefaultRequestTimeout = 60 * time.Second

// NewDirectForwardTransport wires a direct transport with the given signer.
func NewDirectForwardTransport(tokens TokenSource) *DirectForwardTransport {
	return &DirectForwardTransport{
		Tokens:         tokens,
		RequestTimeout: DefaultRequestTimeout,
	}
}

func (t *DirectForwardTransport) Execute(ctx context.Context, req *pendingRequest) (json.RawMessage, error) {
	timeout := t.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(types.OperationRequest{
		Action: req.action,
		Params: req.params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal operation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.containerURL+"/api/operation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build operation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if t.Tokens != nil {
		token, err := t.Tokens.Token(req.action)
		if err != nil {
			return nil, fmt.Errorf("sign operation request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forward to sandbox: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, api.NewUpstreamStatusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}
