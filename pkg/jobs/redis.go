package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// reserveScript implements the atomic reserve-or-get primitive. The job
// record lives in a hash at the dedup key; a non-failed occupant wins the
// reservation, a failed occupant is replaced.
//
// KEYS[1] = dedup key, KEYS[2] = id index key for the candidate job
// ARGV[1] = candidate job JSON, ARGV[2] = candidate job id,
// ARGV[3] = job TTL millis
// Returns {json, 1} on create, {json, 0} on collision.
var reserveScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'failed' then
  return {redis.call('HGET', KEYS[1], 'json'), 0}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'id', ARGV[2], 'status', 'queued', 'json', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], KEYS[1], 'PX', ARGV[3])
return {ARGV[1], 1}
`)

// completeScript implements the atomic compare-and-complete primitive:
// the write only lands if the hash still belongs to the given job id.
//
// KEYS[1] = dedup key
// ARGV[1] = job id, ARGV[2] = new job JSON, ARGV[3] = new status
var completeScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if not id or id ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'json', ARGV[2], 'status', ARGV[3])
return 1
`)

// RedisJobStore is the shared-store JobStore backend. Reservation and
// completion run as server-side scripts so concurrent engine processes
// cannot double-reserve a dedup key.
type RedisJobStore struct {
	client *redis.Client
	jobTTL time.Duration
}

// NewRedisJobStore creates a JobStore over the given Redis client.
func NewRedisJobStore(client *redis.Client, jobTTL time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, jobTTL: jobTTL}
}

var _ JobStore = (*RedisJobStore)(nil)

func idIndexKey(jobID uuid.UUID) string {
	return "impact:jobid:" + jobID.String()
}

func (s *RedisJobStore) GetOrCreate(ctx context.Context, candidate *models.ImpactJob) (*models.ImpactJob, bool, error) {
	job := *candidate
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	payload, err := json.Marshal(&job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	dedupKey := KeyFor(&job).String()
	raw, err := reserveScript.Run(ctx, s.client,
		[]string{dedupKey, idIndexKey(job.JobID)},
		string(payload), job.JobID.String(), s.jobTTL.Milliseconds(),
	).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: job reservation failed: %v", apperrors.ErrStoreUnavailable, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return nil, false, fmt.Errorf("unexpected reservation reply: %v", raw)
	}

	var stored models.ImpactJob
	if err := json.Unmarshal([]byte(reply[0].(string)), &stored); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal stored job: %w", err)
	}
	isNew := reply[1].(int64) == 1
	return &stored, isNew, nil
}

func (s *RedisJobStore) Update(ctx context.Context, jobID uuid.UUID, status *models.JobStatus, progress *int) error {
	return s.mutate(ctx, jobID, func(job *models.ImpactJob) error {
		if status != nil {
			job.Status = *status
		}
		if progress != nil {
			job.Progress = *progress
		}
		return nil
	})
}

func (s *RedisJobStore) Finish(ctx context.Context, jobID uuid.UUID, graph *models.ImpactGraph, jobErr error) error {
	if (graph == nil) == (jobErr == nil) {
		return fmt.Errorf("finish requires exactly one of graph or error")
	}
	return s.mutate(ctx, jobID, func(job *models.ImpactJob) error {
		if graph != nil {
			job.Status = models.JobStatusDone
			job.Progress = 100
			job.Result = graph
			job.Error = ""
			return nil
		}
		job.Status = models.JobStatusFailed
		job.Error = jobErr.Error()
		return nil
	})
}

// mutate loads the job, applies fn, and writes back through the
// compare-and-complete script so a replaced job is never clobbered.
func (s *RedisJobStore) mutate(ctx context.Context, jobID uuid.UUID, fn func(*models.ImpactJob) error) error {
	dedupKey, job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}

	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	applied, err := completeScript.Run(ctx, s.client,
		[]string{dedupKey}, jobID.String(), string(payload), string(job.Status),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: job update failed: %v", apperrors.ErrStoreUnavailable, err)
	}
	if applied == 0 {
		// The dedup slot was replaced while this job was running; its
		// record is gone and the outcome is simply dropped.
		return fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error) {
	_, job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.ProjectID != projectID {
		return nil, nil
	}
	return job, nil
}

func (s *RedisJobStore) load(ctx context.Context, jobID uuid.UUID) (string, *models.ImpactJob, error) {
	dedupKey, err := s.client.Get(ctx, idIndexKey(jobID)).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: job lookup failed: %v", apperrors.ErrStoreUnavailable, err)
	}

	fields, err := s.client.HMGet(ctx, dedupKey, "id", "json").Result()
	if err != nil {
		return "", nil, fmt.Errorf("%w: job read failed: %v", apperrors.ErrStoreUnavailable, err)
	}
	id, _ := fields[0].(string)
	raw, _ := fields[1].(string)
	if raw == "" || id != jobID.String() {
		// Slot expired or was re-reserved by a newer job.
		return "", nil, nil
	}

	var job models.ImpactJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return dedupKey, &job, nil
}

// RedisResultCache is the shared-store ResultCache backend.
type RedisResultCache struct {
	client   *redis.Client
	cacheTTL time.Duration
}

// NewRedisResultCache creates a ResultCache over the given Redis client.
func NewRedisResultCache(client *redis.Client, cacheTTL time.Duration) *RedisResultCache {
	return &RedisResultCache{client: client, cacheTTL: cacheTTL}
}

var _ ResultCache = (*RedisResultCache)(nil)

func (c *RedisResultCache) Get(ctx context.Context, key DedupKey) (*models.ImpactGraph, error) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cache read failed: %v", apperrors.ErrStoreUnavailable, err)
	}

	var graph models.ImpactGraph
	if err := json.Unmarshal([]byte(raw), &graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached graph: %w", err)
	}
	return &graph, nil
}

func (c *RedisResultCache) Put(ctx context.Context, key DedupKey, graph *models.ImpactGraph) error {
	payload, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(key), payload, c.cacheTTL).Err(); err != nil {
		return fmt.Errorf("%w: cache write failed: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
