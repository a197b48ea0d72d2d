package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefleet/internal/params"
	"tradefleet/pkg/types"
)

const (
	jobKeyPrefix = "opt:job:"
	jobIndexKey  = "opt:jobs"
	jobIndexCap  = 500

	jobTTL = 30 * 24 * time.Hour
)

var (
	// ErrJobNotFound marks an unknown jobId.
	ErrJobNotFound = errors.New("optimizer: job not found")
	// ErrJobNotPending marks a job that already left pending_approval.
	ErrJobNotPending = errors.New("optimizer: job is not pending approval")
)

// JobStore persists proposals and applies approvals.
type JobStore interface {
	Create(ctx context.Context, job types.OptJob) error
	Get(ctx context.Context, jobID string) (types.OptJob, error)
	// Approve flips the job to approved and replaces the active risk
	// parameters in the same atomic step, returning the approved job.
	Approve(ctx context.Context, jobID string) (types.OptJob, error)
}

// approveScript rewrites the active parameter set from the job's proposed
// fields (stored under a "p:" prefix) and flips the status, all in one
// invocation so a concurrent risk read sees a complete old or complete new
// set. Returns 1 on success, -1 unknown job, -2 not pending.
var approveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending_approval' then
  return -2
end
redis.call('DEL', KEYS[2])
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields, 2 do
  if string.sub(fields[i], 1, 2) == 'p:' then
    redis.call('HSET', KEYS[2], string.sub(fields[i], 3), fields[i + 1])
  end
end
redis.call('HSET', KEYS[1], 'status', 'approved', 'updatedAt', ARGV[1])
return 1
`)

// RedisStore is the production JobStore.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func (s *RedisStore) Create(ctx context.Context, job types.OptJob) error {
	fields, err := jobToHash(job)
	if err != nil {
		return err
	}
	key := jobKey(job.JobID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, jobTTL)
	pipe.LPush(ctx, jobIndexKey, job.JobID)
	pipe.LTrim(ctx, jobIndexKey, 0, jobIndexCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("optimizer: create job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (types.OptJob, error) {
	m, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return types.OptJob{}, fmt.Errorf("optimizer: get job %s: %w", jobID, err)
	}
	if len(m) == 0 {
		return types.OptJob{}, ErrJobNotFound
	}
	job, err := jobFromHash(m)
	if err != nil {
		return types.OptJob{}, fmt.Errorf("optimizer: job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *RedisStore) Approve(ctx context.Context, jobID string) (types.OptJob, error) {
	res, err := approveScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), params.Key},
		time.Now().UTC().Format(time.RFC3339),
	).Int64()
	if err != nil {
		return types.OptJob{}, fmt.Errorf("optimizer: approve job %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return types.OptJob{}, ErrJobNotFound
	case -2:
		return types.OptJob{}, ErrJobNotPending
	}
	return s.Get(ctx, jobID)
}

func jobToHash(job types.OptJob) (map[string]string, error) {
	backtest, err := json.Marshal(job.Backtest)
	if err != nil {
		return nil, fmt.Errorf("optimizer: encode backtest: %w", err)
	}
	m := map[string]string{
		"jobId":     job.JobID,
		"status":    string(job.Status),
		"trigger":   job.Trigger,
		"traceId":   job.TraceID,
		"backtest":  string(backtest),
		"createdAt": job.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range params.ToHash(job.Proposed) {
		m["p:"+k] = v
	}
	return m, nil
}

func jobFromHash(m map[string]string) (types.OptJob, error) {
	proposed := make(map[string]string)
	for k, v := range m {
		if strings.HasPrefix(k, "p:") {
			proposed[strings.TrimPrefix(k, "p:")] = v
		}
	}
	p, err := params.FromHash(proposed)
	if err != nil {
		return types.OptJob{}, err
	}

	var backtest types.BacktestSummary
	if raw := m["backtest"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &backtest); err != nil {
			return types.OptJob{}, fmt.Errorf("backtest: %w", err)
		}
	}

	created, _ := time.Parse(time.RFC3339, m["createdAt"])
	updated, _ := time.Parse(time.RFC3339, m["updatedAt"])
	return types.OptJob{
		JobID:     m["jobId"],
		Status:    types.OptJobStatus(m["status"]),
		Proposed:  p,
		Backtest:  backtest,
		Trigger:   m["trigger"],
		TraceID:   m["traceId"],
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}
