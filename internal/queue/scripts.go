package queue

import "github.com/redis/go-redis/v9"

// enqueueScript guards (scan, project) uniqueness via the dedup set and
// registers the job in the scan's membership set, the scans registry, and
// the ready queue in one step.
// KEYS: dedup set, job hash, scan jobs set, ready list, scans registry.
// ARGV: project, job id, scan id, hash field/value pairs...
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 'dup'
end
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('SADD', KEYS[5], ARGV[3])
redis.call('RPUSH', KEYS[4], ARGV[2])
return 'ok'
`)

// leaseScript pops one ready job, records the lease on the job hash, and
// tracks the deadline in the inflight set. The minted token is the only
// credential that later mutations will accept.
// KEYS: ready list, inflight zset. ARGV: token, expiry ms, worker id, job key prefix.
var leaseScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[4] .. id, 'state', 'leased', 'lease_token', ARGV[1], 'worker_id', ARGV[3])
return id
`)

// KEYS: job hash, inflight zset. ARGV: token, new expiry ms, job id.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'gone'
end
if redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 'stale'
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 'ok'
`)

// KEYS: job hash. ARGV: token.
var markRunningScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'gone'
end
if redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 'stale'
end
redis.call('HSET', KEYS[1], 'state', 'running')
return 'ok'
`)

// completeScript applies the terminal transition, or rolls a failed job back
// to queued while attempts remain.
// KEYS: job hash, inflight zset, ready list. ARGV: token, job id, verdict, error.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'gone'
end
if redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 'stale'
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HDEL', KEYS[1], 'lease_token', 'worker_id')
if ARGV[3] == 'succeeded' then
  redis.call('HSET', KEYS[1], 'state', 'succeeded', 'last_error', '')
  return 'ok'
end
local attempts = tonumber(redis.call('HINCRBY', KEYS[1], 'attempts', 1))
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1], 'last_error', ARGV[4])
if max ~= nil and attempts >= max then
  redis.call('HSET', KEYS[1], 'state', 'failed')
  return 'ok'
end
redis.call('HSET', KEYS[1], 'state', 'queued')
redis.call('RPUSH', KEYS[3], ARGV[2])
return 'retry'
`)

// requeueScript reclaims expired leases: the token is cleared, so a stale
// holder's Complete/Heartbeat fails, and the job returns to queued without
// touching the attempt counter (the work was never reported).
// KEYS: inflight zset, ready list. ARGV: now ms, limit, job key prefix.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('HSET', jobKey, 'state', 'queued')
    redis.call('HDEL', jobKey, 'lease_token', 'worker_id')
    redis.call('RPUSH', KEYS[2], id)
  end
end
return ids
`)

// cleanupScript deletes every non-terminal job of a scan. Terminal jobs are
// kept for status reporting. When nothing remains, the scan's bookkeeping
// sets are dropped too.
// KEYS: scan jobs set, dedup set, ready list, inflight zset, scans registry.
// ARGV: job key prefix, scan id.
var cleanupScript = redis.NewScript(`
local removed = 0
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  local jobKey = ARGV[1] .. id
  local state = redis.call('HGET', jobKey, 'state')
  if state and state ~= 'succeeded' and state ~= 'failed' then
    redis.call('LREM', KEYS[3], 0, id)
    redis.call('ZREM', KEYS[4], id)
    local project = redis.call('HGET', jobKey, 'project')
    if project then
      redis.call('SREM', KEYS[2], project)
    end
    redis.call('DEL', jobKey)
    redis.call('SREM', KEYS[1], id)
    removed = removed + 1
  end
end
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[5], ARGV[2])
end
return removed
`)
