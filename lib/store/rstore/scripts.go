package rstore

import "github.com/redis/go-redis/v9"

// The scripts take the lock name as the sole key and [owner, leaseMillis] as arguments.
// They return the literal SUCCESS or FAIL.
var (
	acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
    return 'SUCCESS'
elseif redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 'SUCCESS'
else
    return 'FAIL'
end`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 'SUCCESS'
else
    return 'FAIL'
end`)

	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 'SUCCESS'
else
    return 'FAIL'
end`)
)
