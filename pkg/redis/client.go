package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// ErrNotFound indicates that the record is not found in Redis.
var (
	ErrNotFound = errors.New("redis: not found")
)

// Registry is the Redis-backed deployment registry. It maps a project ID to
// the sandbox deployment serving it, and keeps two sorted-set indexes so the
// reaper can find deployments to reclaim without scanning.
type Registry interface {
	// StoreDeployment writes the deployment record for a project and indexes
	// its expiry and last-activity times.
	StoreDeployment(ctx context.Context, info *types.DeploymentInfo, ttl time.Duration) error
	// GetDeploymentByProject returns the deployment serving the given project.
	GetDeploymentByProject(ctx context.Context, projectID string) (*types.DeploymentInfo, error)
	// TouchProject updates the last-activity index for the given project.
	TouchProject(ctx context.Context, projectID string, at time.Time) error
	// DeleteProject removes the deployment record and its index entries.
	// Missing records are treated as success.
	DeleteProject(ctx context.Context, projectID string) error
	// ListExpiredProjects returns up to limit deployments with ExpiresAt
	// before the given time.
	ListExpiredProjects(ctx context.Context, before time.Time, limit int64) ([]*types.DeploymentInfo, error)
	// ListInactiveProjects returns up to limit deployments whose last
	// activity is before the given time. Last activity is tracked only in
	// the sorted-set index.
	ListInactiveProjects(ctx context.Context, before time.Time, limit int64) ([]*types.DeploymentInfo, error)
	// Ping checks the Redis connection.
	Ping(ctx context.Context) error
}

// registry is the concrete implementation of Registry backed by go-redis.
type registry struct {
	rdb *redisv9.Client

	projectPrefix string

	// Sorted-set indexes:
	//   expiryIndexKey:        score = ExpiresAt.Unix(),     member = projectID
	//   lastActivityIndexKey:  score = last-activity.Unix(), member = projectID
	expiryIndexKey       string
	lastActivityIndexKey string
}

// NewRegistry creates a Registry and initializes the underlying go-redis client.
func NewRegistry(redisOpts *redisv9.Options) Registry {
	rdb := redisv9.NewClient(redisOpts)

	return &registry{
		rdb:           rdb,
		projectPrefix: "project:",

		expiryIndexKey:       "project:expiry",
		lastActivityIndexKey: "project:last_activity",
	}
}

func (r *registry) projectKey(projectID string) string {
	return r.projectPrefix + projectID
}

// StoreDeployment writes the deployment record and updates both indexes.
//
//	SETEX project:{projectID} deploymentJSON
//	ZADD  project:expiry (ExpiresAt, projectID)
//	ZADD  project:last_activity (now, projectID)
func (r *registry) StoreDeployment(ctx context.Context, info *types.DeploymentInfo, ttl time.Duration) error {
	if info == nil {
		return errors.New("StoreDeployment: deployment is nil")
	}
	if info.ProjectID == "" {
		return errors.New("StoreDeployment: deployment.ProjectID is empty")
	}

	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("StoreDeployment: marshal deployment: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.projectKey(info.ProjectID), b, ttl)

	if !info.ExpiresAt.IsZero() {
		pipe.ZAdd(ctx, r.expiryIndexKey, redisv9.Z{
			Score:  float64(info.ExpiresAt.Unix()),
			Member: info.ProjectID,
		})
	}
	pipe.ZAdd(ctx, r.lastActivityIndexKey, redisv9.Z{
		Score:  float64(time.Now().UTC().Unix()),
		Member: info.ProjectID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("StoreDeployment: redis TxPipeline EXEC: %w", err)
	}
	return nil
}

// GetDeploymentByProject looks up the deployment serving the given project.
// Underlying Redis: GET project:{projectID} -> DeploymentInfo(JSON).
func (r *registry) GetDeploymentByProject(ctx context.Context, projectID string) (*types.DeploymentInfo, error) {
	key := r.projectKey(projectID)

	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetDeploymentByProject: redis GET %s: %w", key, err)
	}

	var info types.DeploymentInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("GetDeploymentByProject: unmarshal deployment: %w", err)
	}
	return &info, nil
}

// TouchProject updates the last-activity index for the given project.
// Last activity is only stored in the sorted set, not in the record value.
func (r *registry) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	if projectID == "" {
		return errors.New("TouchProject: projectID is empty")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Ensure the record exists; otherwise treat as not found.
	_, err := r.rdb.Get(ctx, r.projectKey(projectID)).Result()
	if errors.Is(err, redisv9.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("TouchProject: get record for project %s: %w", projectID, err)
	}

	if _, err := r.rdb.ZAdd(ctx, r.lastActivityIndexKey, redisv9.Z{
		Score:  float64(at.Unix()),
		Member: projectID,
	}).Result(); err != nil {
		return fmt.Errorf("TouchProject: ZAdd: %w", err)
	}

	return nil
}

// DeleteProject deletes the deployment record and removes the related index
// entries. Missing records are treated as success.
func (r *registry) DeleteProject(ctx context.Context, projectID string) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, r.projectKey(projectID))
	pipe.ZRem(ctx, r.expiryIndexKey, projectID)
	pipe.ZRem(ctx, r.lastActivityIndexKey, projectID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("DeleteProject: pipeline EXEC: %w", err)
	}
	return nil
}

// ListExpiredProjects returns up to limit deployments whose ExpiresAt is
// before before. It uses a sorted-set index and is linear in the number of
// results.
func (r *registry) ListExpiredProjects(ctx context.Context, before time.Time, limit int64) ([]*types.DeploymentInfo, error) {
	return r.listByIndex(ctx, r.expiryIndexKey, before, limit)
}

// ListInactiveProjects returns up to limit deployments whose last activity
// time is before before, using the last-activity sorted-set index.
func (r *registry) ListInactiveProjects(ctx context.Context, before time.Time, limit int64) ([]*types.DeploymentInfo, error) {
	return r.listByIndex(ctx, r.lastActivityIndexKey, before, limit)
}

func (r *registry) listByIndex(ctx context.Context, indexKey string, before time.Time, limit int64) ([]*types.DeploymentInfo, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := r.rdb.ZRangeByScore(ctx, indexKey, &redisv9.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", before.Unix()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listByIndex: ZRangeByScore %s: %w", indexKey, err)
	}

	return r.loadByProjectIDs(ctx, ids)
}

// loadByProjectIDs loads deployment records for the given project IDs. IDs
// whose record already fell out of Redis are skipped; the reaper removes the
// dangling index entries when it deletes the project.
func (r *registry) loadByProjectIDs(ctx context.Context, projectIDs []string) ([]*types.DeploymentInfo, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	cmds := make([]*redisv9.StringCmd, len(projectIDs))
	pipe := r.rdb.Pipeline()
	for i, id := range projectIDs {
		cmds[i] = pipe.Get(ctx, r.projectKey(id))
	}
	_, _ = pipe.Exec(ctx)

	result := make([]*types.DeploymentInfo, 0, len(projectIDs))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redisv9.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loadByProjectIDs: get record for project %s: %w", projectIDs[i], err)
		}
		var info types.DeploymentInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("loadByProjectIDs: unmarshal record for project %s: %w", projectIDs[i], err)
		}
		result = append(result, &info)
	}

	return result, nil
}

func (r *registry) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}
