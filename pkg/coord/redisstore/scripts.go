package redisstore

import "github.com/redis/go-redis/v9"

// Every script receives the key prefix as ARGV[1] and builds key names
// itself, so a single Redis node must own the whole tree.

const luaHelpers = `
local prefix = ARGV[1]
local function key(kind, p) return prefix .. kind .. ":" .. p end
local function join(parent, name)
  if parent == "/" then return "/" .. name end
  return parent .. "/" .. name
end
local function alive(p)
  if p == "/" then return true end
  if redis.call("EXISTS", key("data", p)) == 0 then return false end
  local owner = redis.call("GET", key("owner", p))
  if owner and redis.call("EXISTS", key("session", owner)) == 0 then return false end
  return true
end
local function publish(kind, p)
  redis.call("PUBLISH", prefix .. "events", kind .. " " .. p)
end
`

// ARGV: prefix, parent, name, data, ephemeral, sequential, session.
var createScript = redis.NewScript(luaHelpers + `
local parent, name, data = ARGV[2], ARGV[3], ARGV[4]
local eph, seq, sid = ARGV[5], ARGV[6], ARGV[7]
if not alive(parent) then return {"nonode"} end
if parent ~= "/" and redis.call("EXISTS", key("owner", parent)) == 1 then return {"ephparent"} end
if eph == "1" and redis.call("EXISTS", key("session", sid)) == 0 then return {"closed"} end
if seq == "1" then
  local n = redis.call("INCR", key("seq", parent)) - 1
  name = name .. string.format("%010d", n)
end
local full = join(parent, name)
if redis.call("EXISTS", key("data", full)) == 1 then
  if alive(full) then return {"exists"} end
  local stale = redis.call("GET", key("owner", full))
  redis.call("DEL", key("owner", full))
  if stale then redis.call("SREM", key("owned", stale), full) end
end
redis.call("SET", key("data", full), data)
redis.call("ZADD", key("children", parent), 0, name)
if eph == "1" then
  redis.call("SET", key("owner", full), sid)
  redis.call("SADD", key("owned", sid), full)
end
publish("created", full)
publish("children", parent)
return {"ok", full}
`)

// ARGV: prefix, path.
var getScript = redis.NewScript(luaHelpers + `
local p = ARGV[2]
if p == "/" then return "" end
if not alive(p) then return false end
return redis.call("GET", key("data", p))
`)

// ARGV: prefix, path, data.
var setScript = redis.NewScript(luaHelpers + `
local p, data = ARGV[2], ARGV[3]
if p == "/" or not alive(p) then return 0 end
redis.call("SET", key("data", p), data)
publish("data", p)
return 1
`)

// ARGV: prefix, path, parent, name.
var deleteScript = redis.NewScript(luaHelpers + `
local p, parent, name = ARGV[2], ARGV[3], ARGV[4]
if not alive(p) then return "nonode" end
for _, child in ipairs(redis.call("ZRANGE", key("children", p), 0, -1)) do
  if alive(join(p, child)) then return "notempty" end
end
local owner = redis.call("GET", key("owner", p))
if owner then redis.call("SREM", key("owned", owner), p) end
redis.call("DEL", key("data", p), key("owner", p), key("children", p), key("seq", p))
redis.call("ZREM", key("children", parent), name)
publish("deleted", p)
publish("children", parent)
return "ok"
`)

// Children reaps entries whose owning session has lapsed before listing.
// ARGV: prefix, path.
var childrenScript = redis.NewScript(luaHelpers + `
local p = ARGV[2]
if not alive(p) then return false end
local live = {}
local reaped = false
for _, name in ipairs(redis.call("ZRANGE", key("children", p), 0, -1)) do
  local full = join(p, name)
  if alive(full) then
    table.insert(live, name)
  else
    local owner = redis.call("GET", key("owner", full))
    if owner then redis.call("SREM", key("owned", owner), full) end
    redis.call("DEL", key("data", full), key("owner", full))
    redis.call("ZREM", key("children", p), name)
    publish("deleted", full)
    reaped = true
  end
end
if reaped then publish("children", p) end
return live
`)

// Removes every ephemeral node owned by a session, then the session itself.
// ARGV: prefix, session.
var closeScript = redis.NewScript(luaHelpers + `
local sid = ARGV[2]
for _, full in ipairs(redis.call("SMEMBERS", key("owned", sid))) do
  if redis.call("GET", key("owner", full)) == sid then
    local parent, name = string.match(full, "^(.*)/([^/]*)$")
    if parent == "" then parent = "/" end
    redis.call("DEL", key("data", full), key("owner", full))
    redis.call("ZREM", key("children", parent), name)
    publish("deleted", full)
    publish("children", parent)
  end
end
redis.call("DEL", key("owned", sid), key("session", sid))
return 1
`)
