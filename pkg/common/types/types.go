package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bridge action names. These are the only operations a tool invocation may
// request from a sandbox.
const (
	ActionListFiles     = "listFiles"
	ActionReadFile      = "readFile"
	ActionWriteFile     = "writeFile"
	ActionDeleteFile    = "deleteFile"
	ActionSearchFiles   = "searchFiles"
	ActionReplaceLines  = "replaceLines"
	ActionRunCommand    = "runCommand"
	ActionRestartServer = "restartServer"
	ActionRunLinter     = "runLinter"
	ActionCheckStatus   = "checkStatus"
)

// KnownActions lists every bridge action in a stable order.
var KnownActions = []string{
	ActionListFiles,
	ActionReadFile,
	ActionWriteFile,
	ActionDeleteFile,
	ActionSearchFiles,
	ActionReplaceLines,
	ActionRunCommand,
	ActionRestartServer,
	ActionRunLinter,
	ActionCheckStatus,
}

// IsKnownAction reports whether action is one of the bridge actions.
func IsKnownAction(action string) bool {
	for _, a := range KnownActions {
		if a == action {
			return true
		}
	}
	return false
}

// OperationRequest is the wire shape of one sandbox operation, used both for
// direct forwards to a reachable sandbox and for the poll contract.
type OperationRequest struct {
	ID           string          `json:"id,omitempty"`
	Action       string          `json:"action"`
	Params       json.RawMessage `json:"params"`
	ContainerURL string          `json:"containerUrl,omitempty"`
}

// Validate checks the request against the fixed action set.
func (r *OperationRequest) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	if !IsKnownAction(r.Action) {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// OperationResponse is the push contract from the sandbox back to the server.
// ProjectID routes the response to the right session queue.
type OperationResponse struct {
	ProjectID  string          `json:"projectId,omitempty"`
	ResponseID string          `json:"responseId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Deployment statuses as reported by the provider. StatusSuccess is the only
// status that unlocks preview and tool use.
const (
	StatusBuilding = "BUILDING"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusCrashed  = "CRASHED"
)

// IsTerminalStatus reports whether the deployment status ends the polling loop.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCrashed:
		return true
	}
	return false
}

// DeploymentInfo describes one remote sandbox instance.
type DeploymentInfo struct {
	ServiceID    string    `json:"serviceId"`
	DeploymentID string    `json:"deploymentId"`
	ProjectID    string    `json:"projectId"`
	Status       string    `json:"status"`
	URL          string    `json:"url"`
	RepoURL      string    `json:"repoUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	// Last activity is intentionally omitted from this type.
	// It is tracked in the registry via a sorted set index.
}

// Log entry types. Connection lifecycle markers are distinguished from actual
// log lines so the consumer can filter them.
const (
	LogTypeConnected = "connected"
	LogTypeHeartbeat = "heartbeat"
	LogTypeError     = "error"
	LogTypeLog       = "log"
	LogTypeAppLog    = "app_log"
)

// LogEntry is one line on a relay stream. Ordering is monotonic by arrival
// within a single stream only.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
}

// ServiceHealth reports one sub-service inside the sandbox.
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the sandbox-internal liveness shape: the bridging API and
// the user's own application process are reported independently.
type HealthReport struct {
	Overall struct {
		Healthy bool `json:"healthy"`
	} `json:"overall"`
	Services struct {
		ContainerAPI ServiceHealth `json:"containerApi"`
		UserApp      ServiceHealth `json:"userApp"`
	} `json:"services"`
}
