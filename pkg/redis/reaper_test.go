package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

func TestReaper_SweepReclaimsExpiredAndIdle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	reg := NewRegistry(&redisv9.Options{Addr: mr.Addr()})

	now := time.Now().UTC().Truncate(time.Second)

	expired := newTestDeployment("proj-expired", now.Add(-time.Hour))
	live := newTestDeployment("proj-live", now.Add(time.Hour))
	idle := newTestDeployment("proj-idle", now.Add(time.Hour))

	for _, d := range []*types.DeploymentInfo{expired, live, idle} {
		require.NoError(t, reg.StoreDeployment(ctx, d, time.Hour))
	}
	// Only proj-idle has gone quiet past the idle cutoff.
	require.NoError(t, reg.TouchProject(ctx, "proj-idle", now.Add(-2*time.Hour)))
	require.NoError(t, reg.TouchProject(ctx, "proj-live", now))
	require.NoError(t, reg.TouchProject(ctx, "proj-expired", now))

	var reclaimed []string
	reaper := NewReaper(ReaperConfig{
		Registry: reg,
		MaxIdle:  30 * time.Minute,
		OnReclaim: func(ctx context.Context, info *types.DeploymentInfo) {
			reclaimed = append(reclaimed, info.ProjectID)
		},
	})

	reaper.Sweep(ctx)

	assert.ElementsMatch(t, []string{"proj-expired", "proj-idle"}, reclaimed)

	_, err := reg.GetDeploymentByProject(ctx, "proj-expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetDeploymentByProject(ctx, "proj-idle")
	assert.ErrorIs(t, err, ErrNotFound)

	// The live project survives the sweep.
	got, err := reg.GetDeploymentByProject(ctx, "proj-live")
	require.NoError(t, err)
	assert.Equal(t, "proj-live", got.ProjectID)
}

func TestReaper_SweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	reg := NewRegistry(&redisv9.Options{Addr: mr.Addr()})

	now := time.Now().UTC()
	require.NoError(t, reg.StoreDeployment(ctx, newTestDeployment("proj-1", now.Add(-time.Hour)), time.Hour))

	calls := 0
	reaper := NewReaper(ReaperConfig{
		Registry: reg,
		OnReclaim: func(ctx context.Context, info *types.DeploymentInfo) {
			calls++
		},
	})

	reaper.Sweep(ctx)
	reaper.Sweep(ctx)

	assert.Equal(t, 1, calls)
}
