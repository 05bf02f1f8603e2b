package session

import "github.com/redis/go-redis/v9"

const (
	// touchSessionScript stamps last_activity and resets the TTL only if
	// the session still exists, so an expired session is never recreated
	// as a partial hash.
	touchSessionScript = `
local session_key = KEYS[1]   -- tempo:session:{sessionID}

local last_activity = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

if redis.call('EXISTS', session_key) == 0 then
  return 0
end

redis.call('HSET', session_key, 'last_activity', last_activity)
redis.call('PEXPIRE', session_key, ttl_ms)
return 1
`
)

var touchSession = redis.NewScript(touchSessionScript)
