package redis

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

const (
	// DefaultReapSchedule runs the reaper once a minute.
	DefaultReapSchedule = "@every 1m"

	// DefaultMaxIdle is how long a project may go without bridge activity
	// before its deployment is reclaimed.
	DefaultMaxIdle = 30 * time.Minute

	// DefaultReapBatch bounds how many deployments one sweep reclaims.
	DefaultReapBatch = 50
)

// ReaperConfig configures the registry reaper.
type ReaperConfig struct {
	Registry Registry

	// Schedule is a cron spec. Defaults to DefaultReapSchedule.
	Schedule string

	// MaxIdle and Batch override the idle cutoff and per-sweep cap.
	MaxIdle time.Duration
	Batch   int64

	// OnReclaim, when set, is called for each deployment before its record
	// is deleted. The server uses it to tear down the provider service.
	OnReclaim func(ctx context.Context, info *types.DeploymentInfo)
}

// Reaper periodically deletes expired and idle deployment records so
// abandoned sandboxes do not accumulate.
type Reaper struct {
	registry  Registry
	schedule  string
	maxIdle   time.Duration
	batch     int64
	onReclaim func(ctx context.Context, info *types.DeploymentInfo)

	cron *cron.Cron
}

// NewReaper creates a reaper. Call Start to begin sweeping.
func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{
		registry:  cfg.Registry,
		schedule:  cfg.Schedule,
		maxIdle:   cfg.MaxIdle,
		batch:     cfg.Batch,
		onReclaim: cfg.OnReclaim,
	}
	if r.schedule == "" {
		r.schedule = DefaultReapSchedule
	}
	if r.maxIdle <= 0 {
		r.maxIdle = DefaultMaxIdle
	}
	if r.batch <= 0 {
		r.batch = DefaultReapBatch
	}
	return r
}

// Start schedules the sweep and returns. The cron runner owns its own
// goroutine; Stop shuts it down.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Sweep(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep reclaims one batch of expired deployments and one batch of idle ones.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.registry.ListExpiredProjects(ctx, now, r.batch)
	if err != nil {
		klog.Errorf("reaper: list expired projects: %v", err)
	} else {
		r.reclaim(ctx, expired, "expired")
	}

	idle, err := r.registry.ListInactiveProjects(ctx, now.Add(-r.maxIdle), r.batch)
	if err != nil {
		klog.Errorf("reaper: list inactive projects: %v", err)
	} else {
		r.reclaim(ctx, idle, "idle")
	}
}

func (r *Reaper) reclaim(ctx context.Context, infos []*types.DeploymentInfo, reason string) {
	for _, info := range infos {
		klog.Infof("reaper: reclaiming %s deployment %s (project %s)", reason, info.DeploymentID, info.ProjectID)
		if r.onReclaim != nil {
			r.onReclaim(ctx, info)
		}
		if err := r.registry.DeleteProject(ctx, info.ProjectID); err != nil {
			klog.Errorf("reaper: delete project %s: %v", info.ProjectID, err)
		}
	}
}
