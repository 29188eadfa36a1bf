package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/api"
)

const (
	// DefaultTTL is how long a request may wait for a sandbox answer before
	// the sweep rejects it.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the sweep scans for aged-out entries.
	DefaultSweepInterval = 30 * time.Second
)

// ClaimedRequest is what a poller receives for one claimed request.
// Continuations never leave the queue.
type ClaimedRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// outcome settles exactly one waiter.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one unit of work awaiting execution in a sandbox.
type pendingRequest struct {
	id           string
	action       string
	params       json.RawMessage
	containerURL string
	createdAt    time.Time

	// done is buffered so a resolver never blocks on a waiter.
	done chan outcome
}

// Config configures a Queue.
type Config struct {
	// TTL bounds how long any entry may live, pending or in-flight.
	TTL time.Duration

	// SweepInterval is the period of the background sweep.
	SweepInterval time.Duration

	// Direct executes requests that carry a container URL. When nil, such
	// requests fail immediately.
	Direct SandboxTransport
}

// Queue decouples a server-side tool call from execution in a sandbox that is
// reached either by direct outbound HTTP or by being polled by the side that
// owns the sandbox. Pending and in-flight entries are two mutex-guarded maps;
// ClaimAll is the single point where entries move between them.
//
// The queue is a process-local service. Running multiple server processes
// requires replacing it with an external store that has atomic claim
// semantics; the interface stays the same.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	inflight map[string]*pendingRequest
	closed   bool

	ttl    time.Duration
	direct SandboxTransport
	poll   SandboxTransport

	stopCh chan struct{}
}

// NewQueue creates a Queue and starts its background sweep.
func NewQueue(cfg Config) *Queue {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	q := &Queue{
		pending:  make(map[string]*pendingRequest),
		inflight: make(map[string]*pendingRequest),
		ttl:      cfg.TTL,
		stopCh:   make(chan struct{}),
	}
	q.poll = &PollTransport{queue: q}
	if cfg.Direct != nil {
		q.direct = &directRunner{queue: q, forward: cfg.Direct}
	}

	go q.sweepLoop(cfg.SweepInterval)
	return q
}

// directRunner runs a direct forward through the same in-flight/settle
// bookkeeping as polled requests, so the sweep's TTL covers both paths.
type directRunner struct {
	queue   *Queue
	forward SandboxTransport
}

func (r *directRunner) Execute(ctx context.Context, req *pendingRequest) (json.RawMessage, error) {
	if err := r.queue.track(req); err != nil {
		return nil, err
	}
	go func() {
		result, err := r.forward.Execute(ctx, req)
		r.queue.settle(req, result, err)
	}()
	return r.queue.wait(ctx, req)
}

// Enqueue creates a request for action with params and blocks until a
// matching response arrives, the TTL elapses, or ctx is cancelled. When
// containerURL is non-empty the request is forwarded over HTTP inline and the
// claim/poll path is bypassed entirely; TTL bookkeeping applies either way.
//
// Sandbox errors are returned verbatim as the error message, not
// reinterpreted.
func (q *Queue) Enqueue(ctx context.Context, action string, params json.RawMessage, containerURL string) (json.RawMessage, error) {
	req := &pendingRequest{
		id:           uuid.NewString(),
		action:       action,
		params:       params,
		containerURL: containerURL,
		createdAt:    time.Now(),
		done:         make(chan outcome, 1),
	}

	transport := q.poll
	if containerURL != "" {
		transport = q.direct
		if transport == nil {
			return nil, api.ErrUpstreamUnavailable
		}
	}

	return transport.Execute(ctx, req)
}

// ClaimAll atomically drains every currently pending request into the
// in-flight set and returns their id/action/params triples. A request is
// returned by at most one ClaimAll call; later calls see only requests
// enqueued after the drain.
func (q *Queue) ClaimAll() []ClaimedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	claimed := make([]ClaimedRequest, 0, len(q.pending))
	for id, req := range q.pending {
		q.inflight[id] = req
		delete(q.pending, id)
		claimed = append(claimed, ClaimedRequest{
			ID:     id,
			Action: req.action,
			Params: req.params,
		})
	}
	return claimed
}

// Resolve settles the in-flight request with the given id. A response for a
// request that was never claimed is unknown here and is ignored; the sweep
// eventually times the entry out. Returns whether a waiter was settled.
func (q *Queue) Resolve(id string, result json.RawMessage, errMsg string) bool {
	q.mu.Lock()
	req, ok := q.inflight[id]
	if ok {
		delete(q.inflight, id)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}

	if errMsg != "" {
		req.done <- outcome{err: &SandboxError{Message: errMsg}}
	} else {
		req.done <- outcome{result: result}
	}
	return true
}

// TTL reports the configured entry lifetime.
func (q *Queue) TTL() time.Duration {
	return q.ttl
}

// Pending and InFlight report current entry counts, for diagnostics.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close rejects every live entry and stops the sweep. Enqueue after Close
// fails with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	victims := q.detachAllLocked()
	q.mu.Unlock()

	close(q.stopCh)
	for _, req := range victims {
		req.done <- outcome{err: api.ErrQueueClosed}
	}
}

// park registers a request in the pending set. Fails when the queue is closed.
func (q *Queue) park(req *pendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.pending[req.id] = req
	return nil
}

// track registers a directly-forwarded request in the in-flight set so the
// sweep's TTL bookkeeping covers it like any other entry.
func (q *Queue) track(req *pendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.inflight[req.id] = req
	return nil
}

// settle removes the request from whichever set holds it and, if it was
// still live, delivers the outcome. Whoever removes the entry is the only
// actor that sends; an entry can never be resolved twice.
func (q *Queue) settle(req *pendingRequest, result json.RawMessage, err error) bool {
	q.mu.Lock()
	_, inPending := q.pending[req.id]
	_, inInflight := q.inflight[req.id]
	delete(q.pending, req.id)
	delete(q.inflight, req.id)
	q.mu.Unlock()

	if !inPending && !inInflight {
		return false
	}
	req.done <- outcome{result: result, err: err}
	return true
}

// detachAllLocked empties both sets and returns the removed entries.
func (q *Queue) detachAllLocked() []*pendingRequest {
	victims := make([]*pendingRequest, 0, len(q.pending)+len(q.inflight))
	for id, req := range q.pending {
		victims = append(victims, req)
		delete(q.pending, id)
	}
	for id, req := range q.inflight {
		victims = append(victims, req)
		delete(q.inflight, id)
	}
	return victims
}

func (q *Queue) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepOnce(time.Now())
		}
	}
}

// sweepOnce rejects and deletes every entry older than the TTL, regardless
// of which set it is in. This is the only actor that cancels an entry
// without the holder asking for it.
func (q *Queue) sweepOnce(now time.Time) {
	q.mu.Lock()
	var victims []*pendingRequest
	for id, req := range q.pending {
		if now.Sub(req.createdAt) > q.ttl {
			victims = append(victims, req)
			delete(q.pending, id)
		}
	}
	for id, req := range q.inflight {
		if now.Sub(req.createdAt) > q.ttl {
			victims = append(victims, req)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	for _, req := range victims {
		klog.Warningf("bridge: request %s (%s) timed out after %s", req.id, req.action, q.ttl)
		req.done <- outcome{err: api.NewBridgeTimeoutError(req.id, req.action)}
	}
}

// wait blocks until the request settles or ctx is cancelled. Cancellation
// removes the entry so a late response is ignored.
func (q *Queue) wait(ctx context.Context, req *pendingRequest) (json.RawMessage, error) {
	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, req.id)
		delete(q.inflight, req.id)
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SandboxError carries a sandbox-reported failure message verbatim.
type SandboxError struct {
	Message string
}

func (e *SandboxError) Error() string { return e.Message }
