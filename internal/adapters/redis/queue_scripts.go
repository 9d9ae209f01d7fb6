package redis

import "github.com/redis/go-redis/v9"

// Keys passed to every queue script, in order:
//
//	KEYS[1] ready    ZSET score=priority rank, member="<enqueued ms>:<seq>:<job id>"
//	KEYS[2] delayed  ZSET score=visible-at ms, member=job id
//	KEYS[3] leased   ZSET score=lease expiry ms, member=job id
//	KEYS[4] items    HASH job id -> JSON item
//	KEYS[5] tokens   HASH lease token -> job id
//	KEYS[6] paused   STRING flag
//	KEYS[7] seq      STRING counter
//
// An item lives in exactly one of ready, delayed or leased. Expired leases are
// moved back to ready by promote and keep their token until the item is leased
// again, so a late Release or ExtendLease from the old holder still applies.
const scriptPrelude = `
local function member_for(at, id)
  local seq = redis.call('INCR', KEYS[7])
  return string.format('%013d:%020d:%s', at, seq, id)
end

local function load(id)
  local raw = redis.call('HGET', KEYS[4], id)
  if not raw then return nil end
  return cjson.decode(raw)
end

local function save(id, item)
  redis.call('HSET', KEYS[4], id, cjson.encode(item))
end

local function place(id, item, at, now)
  if at > now then
    redis.call('ZADD', KEYS[2], at, id)
  else
    redis.call('ZADD', KEYS[1], item.rank, item.member)
  end
end

local function promote(now)
  for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)) do
    local item = load(id)
    redis.call('ZREM', KEYS[2], id)
    if item then redis.call('ZADD', KEYS[1], item.rank, item.member) end
  end
  for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. now)) do
    local item = load(id)
    redis.call('ZREM', KEYS[3], id)
    if item then redis.call('ZADD', KEYS[1], item.rank, item.member) end
  end
end
`

// ARGV: job id, rank, now ms, visible-at ms.
var enqueueScript = redis.NewScript(scriptPrelude + `
if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 1 then return 0 end
local at = tonumber(ARGV[4])
local item = {rank = tonumber(ARGV[2]), token = '', worker = '', lease_exp = 0, deliveries = 0}
item.member = member_for(at, ARGV[1])
save(ARGV[1], item)
place(ARGV[1], item, at, tonumber(ARGV[3]))
return 1
`)

// ARGV: now ms, lease expiry ms, worker id, token.
var dequeueScript = redis.NewScript(scriptPrelude + `
if redis.call('EXISTS', KEYS[6]) == 1 then return nil end
promote(ARGV[1])
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return nil end
redis.call('ZREM', KEYS[1], head[1])
local id = string.match(head[1], '^%d+:%d+:(.+)$')
local item = load(id)
if not item then return nil end
if item.token ~= '' then redis.call('HDEL', KEYS[5], item.token) end
item.token = ARGV[4]
item.worker = ARGV[3]
item.lease_exp = tonumber(ARGV[2])
item.deliveries = item.deliveries + 1
save(id, item)
redis.call('HSET', KEYS[5], ARGV[4], id)
redis.call('ZADD', KEYS[3], ARGV[2], id)
return {id, item.rank, item.deliveries}
`)

// ARGV: token, lease expiry ms.
var extendScript = redis.NewScript(scriptPrelude + `
local id = redis.call('HGET', KEYS[5], ARGV[1])
if not id then return 0 end
local item = load(id)
if not item then return 0 end
item.lease_exp = tonumber(ARGV[2])
save(id, item)
redis.call('ZREM', KEYS[1], item.member)
redis.call('ZADD', KEYS[3], ARGV[2], id)
return 1
`)

// ARGV: token, "ack"|"retry", now ms, visible-at ms.
var releaseScript = redis.NewScript(scriptPrelude + `
local id = redis.call('HGET', KEYS[5], ARGV[1])
if not id then return 0 end
local item = load(id)
redis.call('HDEL', KEYS[5], ARGV[1])
if not item then return 0 end
redis.call('ZREM', KEYS[1], item.member)
redis.call('ZREM', KEYS[3], id)
if ARGV[2] == 'ack' then
  redis.call('HDEL', KEYS[4], id)
  return 1
end
local at = tonumber(ARGV[4])
item.member = member_for(at, id)
item.token = ''
item.worker = ''
item.lease_exp = 0
save(id, item)
place(id, item, at, tonumber(ARGV[3]))
return 1
`)

// ARGV: job id, now ms. Returns 1 removed, 0 leased, -1 absent.
var removeScript = redis.NewScript(scriptPrelude + `
local item = load(ARGV[1])
if not item then return -1 end
if item.token ~= '' and item.lease_exp >= tonumber(ARGV[2]) then return 0 end
if item.token ~= '' then redis.call('HDEL', KEYS[5], item.token) end
redis.call('ZREM', KEYS[1], item.member)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// ARGV: now ms.
var statsScript = redis.NewScript(`
local active = redis.call('ZCOUNT', KEYS[3], ARGV[1], '+inf')
local expired = redis.call('ZCOUNT', KEYS[3], '-inf', '(' .. ARGV[1])
local delayed = redis.call('ZCOUNT', KEYS[2], '(' .. ARGV[1], '+inf')
local due = redis.call('ZCARD', KEYS[2]) - delayed
local waiting = redis.call('ZCARD', KEYS[1]) + expired + due
return {waiting, delayed, active, redis.call('EXISTS', KEYS[6])}
`)
