package sandboxd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// outputBacklog bounds the retained dev-process output.
	outputBacklog = 500
	// subscriberBuffer is the per-subscriber channel capacity.
	subscriberBuffer = 256
)

// SupervisorConfig describes the managed dev process.
type SupervisorConfig struct {
	// Workspace is the project root the process runs in.
	Workspace string

	// RepoURL is cloned into the workspace when it is empty. Optional.
	RepoURL string

	// GitHubToken authenticates the clone for private repositories. Optional.
	GitHubToken string

	// Port is exported as PORT to the dev process.
	Port int

	// InstallCommand and StartCommand override the npm defaults.
	InstallCommand []string
	StartCommand   []string
}

// DevState is the supervisor snapshot reported by checkStatus.
type DevState struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Supervisor owns the project's dev process: bootstrap, output capture,
// restart on request. Output lines are retained in a bounded backlog and
// fanned out to live subscribers.
type Supervisor struct {
	config SupervisorConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	restarts int
	started  time.Time

	backlog []types.LogEntry
	subs    map[chan types.LogEntry]struct{}
}

// NewSupervisor creates a supervisor. The process is not started until
// Bootstrap or Restart.
func NewSupervisor(config SupervisorConfig) *Supervisor {
	if len(config.InstallCommand) == 0 {
		config.InstallCommand = []string{"npm", "install"}
	}
	if len(config.StartCommand) == 0 {
		config.StartCommand = []string{"npm", "run", "dev"}
	}
	if config.Port == 0 {
		config.Port = 3000
	}
	return &Supervisor{
		config: config,
		subs:   map[chan types.LogEntry]struct{}{},
	}
}

// Bootstrap prepares the workspace and launches the dev process: clone when
// the workspace is empty, install dependencies, start. Failures are surfaced
// on the log stream and returned.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if s.config.RepoURL != "" && s.workspaceEmpty() {
		s.publishLine(fmt.Sprintf("cloning %s", s.config.RepoURL))
		if err := s.clone(ctx); err != nil {
			s.publishLine(fmt.Sprintf("clone failed: %v", err))
			return fmt.Errorf("clone repository: %w", err)
		}
	}

	s.publishLine("installing dependencies")
	if err := s.runStep(ctx, s.config.InstallCommand); err != nil {
		s.publishLine(fmt.Sprintf("install failed: %v", err))
		return fmt.Errorf("install dependencies: %w", err)
	}

	return s.start()
}

func (s *Supervisor) workspaceEmpty() bool {
	entries, err := os.ReadDir(s.config.Workspace)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// clone clones the repository into the workspace. A token, when present, is
// embedded in the clone URL only; the remote is reset afterwards so the
// credential does not persist on disk.
func (s *Supervisor) clone(ctx context.Context) error {
	cloneURL := s.config.RepoURL
	if s.config.GitHubToken != "" && strings.HasPrefix(cloneURL, "https://") {
		cloneURL = "https://x-access-token:" + s.config.GitHubToken + "@" + strings.TrimPrefix(cloneURL, "https://")
	}

	if err := s.runStep(ctx, []string{"git", "clone", "--depth", "1", cloneURL, "."}); err != nil {
		return err
	}
	if cloneURL != s.config.RepoURL {
		if err := s.runStep(ctx, []string{"git", "remote", "set-url", "origin", s.config.RepoURL}); err != nil {
			klog.Warningf("failed to reset origin url: %v", err)
		}
	}
	return nil
}

// runStep runs one bootstrap command in the workspace, streaming its output.
func (s *Supervisor) runStep(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.config.Workspace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}
	s.streamOutput(stdout)
	return cmd.Wait()
}

// start launches the dev process. Callers must not hold s.mu.
func (s *Supervisor) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("dev process already running")
	}

	argv := s.config.StartCommand
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.config.Workspace
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(s.config.Port))
	// Own process group so a restart can take the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dev process: %w", err)
	}

	s.cmd = cmd
	s.running = true
	s.started = time.Now()
	s.publishLineLocked(fmt.Sprintf("dev process started (pid %d)", cmd.Process.Pid))

	go s.streamOutput(stdout)
	go s.reap(cmd)
	return nil
}

// reap waits for the process and records its exit.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != cmd {
		return // superseded by a restart
	}
	s.running = false
	if err != nil {
		s.publishLineLocked(fmt.Sprintf("dev process exited: %v", err))
	} else {
		s.publishLineLocked("dev process exited")
	}
}

// Restart stops the current process, if any, and launches a fresh one.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if s.cmd != nil && s.running && s.cmd.Process != nil {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			klog.Warningf("failed to signal dev process group: %v", err)
			_ = s.cmd.Process.Kill()
		}
		s.running = false
	}
	s.restarts++
	s.publishLineLocked("restarting dev process")
	s.mu.Unlock()

	// Give the old tree a moment to release the port.
	time.Sleep(500 * time.Millisecond)
	return s.start()
}

// State returns the supervisor snapshot.
func (s *Supervisor) State() DevState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := DevState{
		Running:  s.running,
		Restarts: s.restarts,
	}
	if s.running && s.cmd != nil && s.cmd.Process != nil {
		state.PID = s.cmd.Process.Pid
		state.StartedAt = s.started
	}
	return state
}

// streamOutput publishes each output line until the pipe closes.
func (s *Supervisor) streamOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.publishLine(scanner.Text())
	}
}

func (s *Supervisor) publishLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLineLocked(line)
}

func (s *Supervisor) publishLineLocked(line string) {
	entry := types.LogEntry{
		Timestamp: time.Now(),
		Message:   line,
		Type:      types.LogTypeAppLog,
	}

	s.backlog = append(s.backlog, entry)
	if len(s.backlog) > outputBacklog {
		s.backlog = s.backlog[len(s.backlog)-outputBacklog:]
	}

	for ch := range s.subs {
		select {
		case ch <- entry:
		default: // slow subscriber drops, the stream never blocks
		}
	}
}

// Subscribe returns the retained backlog plus a live channel. The cancel
// function detaches the subscriber.
func (s *Supervisor) Subscribe() ([]types.LogEntry, <-chan types.LogEntry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]types.LogEntry, len(s.backlog))
	copy(snapshot, s.backlog)

	ch := make(chan types.LogEntry, subscriberBuffer)
	s.subs[ch] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return snapshot, ch, cancel
}

// WorkspaceFor resolves the workspace directory, defaulting to the current
// working directory.
func WorkspaceFor(path string) string {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		return wd
	}
	return filepath.Clean(path)
}
