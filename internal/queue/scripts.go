package queue

import "github.com/go-redis/redis/v8"

// All state transitions of a job run as single Lua scripts so that the hash
// and the state sets never disagree. Timestamps are unix milliseconds
// computed by the caller.

// KEYS: job, delayed | ARGV: id, payload, runAt, maxAttempts, now
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'payload', ARGV[2], 'attempts', 0, 'deferrals', 0,
  'max_attempts', ARGV[4], 'state', 'delayed', 'run_at', ARGV[3],
  'created_at', ARGV[5], 'token', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: delayed, active | ARGV: now, leaseDeadline, jobPrefix, token
var reserveScript = redis.NewScript(`
while true do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    local attempts = redis.call('HINCRBY', jobKey, 'attempts', 1)
    redis.call('HSET', jobKey, 'state', 'active', 'token', ARGV[4])
    local fields = redis.call('HMGET', jobKey, 'payload', 'max_attempts', 'deferrals')
    return {id, fields[1], attempts, fields[2], fields[3]}
  end
end
`)

// KEYS: active, completed, job | ARGV: id, token, now
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[3], 'token', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, delayed, failed, job | ARGV: id, token, now, runAt (-1 = no retry), error
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'token') ~= ARGV[2] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[4], 'last_error', ARGV[5], 'token', '')
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[4], 'max_attempts'))
if ARGV[4] ~= '-1' and attempts < maxAttempts then
  redis.call('HSET', KEYS[4], 'state', 'delayed', 'run_at', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 0
`)

// The reservation's attempt is refunded: a deferral is not a failure.
// KEYS: active, delayed, job | ARGV: id, token, runAt
var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'attempts', -1)
redis.call('HINCRBY', KEYS[3], 'deferrals', 1)
redis.call('HSET', KEYS[3], 'state', 'delayed', 'run_at', ARGV[3], 'token', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: delayed, completed, failed, job | ARGV: id
var removeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[4], 'state')
if not state then
  return 0
end
if state == 'active' then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[4])
return 1
`)

// KEYS: active, delayed | ARGV: now, jobPrefix
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[2] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('HSET', jobKey, 'state', 'delayed', 'run_at', ARGV[1], 'token', '')
    redis.call('ZADD', KEYS[2], ARGV[1], id)
  end
end
return #ids
`)

// KEYS: completed or failed set | ARGV: cutoff, jobPrefix
var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return #ids
`)
