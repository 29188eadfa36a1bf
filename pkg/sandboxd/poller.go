package sandboxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// DefaultPollInterval is how often the pull side checks for parked work.
const DefaultPollInterval = 1 * time.Second

// PollerConfig wires the pull side of the bridge.
type PollerConfig struct {
	// ServerURL is the control plane base URL.
	ServerURL string

	// ProjectID identifies this sandbox's queue.
	ProjectID string

	// Executor runs claimed operations.
	Executor *Executor

	// Interval between claims. DefaultPollInterval when zero.
	Interval time.Duration

	// Client for control plane calls. A 30s default applies when nil.
	Client *http.Client
}

// Poller pulls parked operations from the control plane, executes them, and
// pushes the results back. Used when the sandbox is not directly reachable.
type Poller struct {
	config PollerConfig
}

// NewPoller creates a poller.
func NewPoller(config PollerConfig) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{config: config}
}

// Run claims and executes until ctx is done. Claim and push errors are
// logged and retried on the next tick; the loop itself never fails.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requests, err := p.claim(ctx)
			if err != nil {
				klog.V(2).Infof("claim failed: %v", err)
				continue
			}
			for _, req := range requests {
				p.execute(ctx, req)
			}
		}
	}
}

// claim drains the pending set for this project.
func (p *Poller) claim(ctx context.Context) ([]types.OperationRequest, error) {
	claimURL := fmt.Sprintf("%s/api/bridge?project=%s", p.config.ServerURL, url.QueryEscape(p.config.ProjectID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, claimURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.config.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claim returned status %d: %s", resp.StatusCode, body)
	}

	// The claim endpoint wraps the batch in an envelope.
	var claimed struct {
		Requests []types.OperationRequest `json:"requests"`
	}
	if err := json.Unmarshal(body, &claimed); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return claimed.Requests, nil
}

// execute runs one claimed operation and pushes the result back.
func (p *Poller) execute(ctx context.Context, req types.OperationRequest) {
	result := p.config.Executor.Execute(ctx, req.Action, req.Params)

	if err := p.respond(ctx, types.OperationResponse{
		ProjectID:  p.config.ProjectID,
		ResponseID: req.ID,
		Result:     result,
	}); err != nil {
		klog.Warningf("failed to push response for %s: %v", req.ID, err)
	}
}

func (p *Poller) respond(ctx context.Context, response types.OperationResponse) error {
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.ServerURL+"/api/bridge/response", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.config.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("response push returned status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
