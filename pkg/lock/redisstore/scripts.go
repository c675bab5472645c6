package redisstore

import "github.com/redis/go-redis/v9"

// Timestamps are unix milliseconds. Entry hashes also carry a PEXPIRE so
// abandoned locks disappear without a sweeper.

// KEYS: holders set, candidate entry
// ARGV: id, rid, rtype, mode, owner, node, acquired, expires, now, prefix
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[9])
local conflict = false
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local k = ARGV[10] .. 'id:' .. id
    local exp = redis.call('HGET', k, 'expires')
    if (not exp) or tonumber(exp) <= now then
        redis.call('SREM', KEYS[1], id)
        redis.call('DEL', k)
    elseif ARGV[4] == 'Exclusive' or redis.call('HGET', k, 'mode') == 'Exclusive' then
        conflict = true
    end
end
if conflict then return 0 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
local expires = tonumber(ARGV[8])
if expires <= now then return 0 end
redis.call('HSET', KEYS[2], 'rid', ARGV[2], 'rtype', ARGV[3], 'mode', ARGV[4], 'owner', ARGV[5],
    'node', ARGV[6], 'acquired', ARGV[7], 'expires', ARGV[8], 'ext', 0)
redis.call('PEXPIRE', KEYS[2], expires - now)
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

// KEYS: entry
// ARGV: owner, extension, now
var extendScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'owner', 'expires')
if f[1] ~= ARGV[1] then return false end
local now = tonumber(ARGV[3])
local exp = tonumber(f[2])
if exp <= now then return false end
local nexp = exp + tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'expires', nexp)
redis.call('HINCRBY', KEYS[1], 'ext', 1)
redis.call('PEXPIRE', KEYS[1], nexp - now)
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: entry
// ARGV: owner, lock id, prefix
var releaseScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'owner', 'rid', 'rtype')
if f[1] ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('SREM', ARGV[3] .. 'res:' .. #f[3] .. ':' .. f[3] .. ':' .. f[2], ARGV[2])
return 1
`)
