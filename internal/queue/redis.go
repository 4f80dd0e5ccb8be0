package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/quiverhq/insightq/internal/domain"
)

const (
	jobKeyPrefix = "insightq:job:"
	claimableKey = "insightq:claimable"
	countsKey    = "insightq:state_counts"
)

// RedisStore is a Store backed by Redis. Jobs live in one hash each; a
// single claimable ZSET is scored by visible-at for queued jobs and by
// lease-expires-at for leased ones, so "score <= now" covers both the
// ready and the lease-expired cases with one range query. All multi-key
// transitions run as Lua scripts, which is what makes claims and
// completions atomic across concurrent workers.
type RedisStore struct {
	rdb *r.Client
}

// NewRedisStore wraps the given client.
func NewRedisStore(rdb *r.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

var enqueueScript = r.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'kind', ARGV[2], 'payload', ARGV[3], 'owner_id', ARGV[4],
  'state', 'queued', 'attempt', 0, 'max_attempts', ARGV[5],
  'visible_at', ARGV[6], 'lease_owner', '', 'lease_expires_at', 0,
  'result', '', 'error_info', '', 'created_at', ARGV[7], 'updated_at', ARGV[7])
redis.call('ZADD', KEYS[2], tonumber(ARGV[6]), ARGV[1])
redis.call('HINCRBY', KEYS[3], 'queued', 1)
return 1
`)

var claimScript = r.NewScript(`
local candidates = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 16)
for _, id in ipairs(candidates) do
  local key = ARGV[1] .. id
  local state = redis.call('HGET', key, 'state')
  if state ~= 'queued' and state ~= 'leased' then
    redis.call('ZREM', KEYS[1], id)
  else
    local attempt = tonumber(redis.call('HGET', key, 'attempt'))
    local max = tonumber(redis.call('HGET', key, 'max_attempts'))
    if attempt >= max then
      redis.call('HSET', key, 'state', 'dead_lettered', 'error_info', ARGV[5],
        'lease_owner', '', 'lease_expires_at', 0, 'updated_at', ARGV[2])
      redis.call('ZREM', KEYS[1], id)
      redis.call('HINCRBY', KEYS[2], state, -1)
      redis.call('HINCRBY', KEYS[2], 'dead_lettered', 1)
    else
      local expires = tonumber(ARGV[2]) + tonumber(ARGV[4])
      redis.call('HSET', key, 'state', 'leased', 'attempt', attempt + 1,
        'lease_owner', ARGV[3], 'lease_expires_at', expires, 'updated_at', ARGV[2])
      redis.call('ZADD', KEYS[1], expires, id)
      if state == 'queued' then
        redis.call('HINCRBY', KEYS[2], 'queued', -1)
        redis.call('HINCRBY', KEYS[2], 'leased', 1)
      end
      local fields = redis.call('HGETALL', key)
      table.insert(fields, 'id')
      table.insert(fields, id)
      return fields
    end
  end
end
return false
`)

var completeScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'succeeded' or state == 'failed' or state == 'dead_lettered' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'succeeded', 'result', ARGV[2],
  'lease_owner', '', 'lease_expires_at', 0, 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], state, -1)
redis.call('HINCRBY', KEYS[3], 'succeeded', 1)
return 1
`)

var failScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'succeeded' or state == 'failed' or state == 'dead_lettered' then
  return 0
end
redis.call('HSET', KEYS[1], 'error_info', ARGV[2],
  'lease_owner', '', 'lease_expires_at', 0, 'updated_at', ARGV[4])
redis.call('HINCRBY', KEYS[3], state, -1)
if tonumber(ARGV[3]) > 0 then
  redis.call('HSET', KEYS[1], 'state', 'queued', 'visible_at', ARGV[3])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
  redis.call('HINCRBY', KEYS[3], 'queued', 1)
else
  redis.call('HSET', KEYS[1], 'state', 'dead_lettered')
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('HINCRBY', KEYS[3], 'dead_lettered', 1)
end
return 1
`)

var cancelScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'queued' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'error_info', ARGV[2], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'queued', -1)
redis.call('HINCRBY', KEYS[3], 'failed', 1)
return 1
`)

func (st *RedisStore) Enqueue(ctx context.Context, job *domain.Job) error {
	now := millis(job.CreatedAt)
	res, err := enqueueScript.Run(ctx, st.rdb,
		[]string{jobKeyPrefix + job.ID, claimableKey, countsKey},
		job.ID, string(job.Kind), string(job.Payload), job.OwnerID,
		job.MaxAttempts, millis(job.VisibleAt), now,
	).Int()
	if err != nil {
		return errors.Wrap(err, "enqueue job")
	}
	if res == 0 {
		return domain.ErrDuplicateJob
	}
	return nil
}

func (st *RedisStore) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	res, err := claimScript.Run(ctx, st.rdb,
		[]string{claimableKey, countsKey},
		jobKeyPrefix, millis(time.Now()), workerID, leaseDuration.Milliseconds(), leaseReapedInfo,
	).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	fields, ok := res.([]interface{})
	if !ok {
		return nil, errors.Errorf("claim job: unexpected reply %T", res)
	}
	return jobFromReply(fields)
}

func (st *RedisStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	res, err := completeScript.Run(ctx, st.rdb,
		[]string{jobKeyPrefix + id, claimableKey, countsKey},
		id, string(result), millis(time.Now()),
	).Int()
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if res < 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (st *RedisStore) Fail(ctx context.Context, id string, errorInfo string, nextVisibleAt *time.Time) error {
	var next int64
	if nextVisibleAt != nil {
		next = millis(*nextVisibleAt)
	}
	res, err := failScript.Run(ctx, st.rdb,
		[]string{jobKeyPrefix + id, claimableKey, countsKey},
		id, errorInfo, next, millis(time.Now()),
	).Int()
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	if res < 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (st *RedisStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := st.rdb.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return jobFromFields(id, fields)
}

func (st *RedisStore) CancelIfQueued(ctx context.Context, id string) (bool, error) {
	res, err := cancelScript.Run(ctx, st.rdb,
		[]string{jobKeyPrefix + id, claimableKey, countsKey},
		id, CancelledInfo, millis(time.Now()),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "cancel job")
	}
	if res < 0 {
		return false, domain.ErrNotFound
	}
	return res == 1, nil
}

func (st *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	counts, err := st.rdb.HGetAll(ctx, countsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get stats")
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return &Stats{
		Queued:       atoi(counts["queued"]),
		Leased:       atoi(counts["leased"]),
		Succeeded:    atoi(counts["succeeded"]),
		Failed:       atoi(counts["failed"]),
		DeadLettered: atoi(counts["dead_lettered"]),
	}, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func jobFromReply(reply []interface{}) (*domain.Job, error) {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return jobFromFields(fields["id"], fields)
}

func jobFromFields(id string, fields map[string]string) (*domain.Job, error) {
	attempt, err := strconv.Atoi(fields["attempt"])
	if err != nil {
		return nil, errors.Wrap(err, "parse attempt")
	}
	maxAttempts, err := strconv.Atoi(fields["max_attempts"])
	if err != nil {
		return nil, errors.Wrap(err, "parse max_attempts")
	}
	job := &domain.Job{
		ID:          id,
		Kind:        domain.Kind(fields["kind"]),
		Payload:     json.RawMessage(fields["payload"]),
		OwnerID:     fields["owner_id"],
		State:       domain.State(fields["state"]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		VisibleAt:   fromMillisField(fields["visible_at"]),
		LeaseOwner:  fields["lease_owner"],
		ErrorInfo:   fields["error_info"],
		CreatedAt:   fromMillisField(fields["created_at"]),
		UpdatedAt:   fromMillisField(fields["updated_at"]),
	}
	if res := fields["result"]; res != "" {
		job.Result = json.RawMessage(res)
	}
	if ms, err := strconv.ParseInt(fields["lease_expires_at"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

func fromMillisField(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
