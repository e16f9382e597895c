package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every single-winner transition runs as one script so concurrent callers
// cannot interleave between the check and the write. Scripts reply with a
// sentinel string, optionally followed by ":" and the JSON record.

// luaPinRedirectURI sets pinned_redirect_uri on a client if it is unset.
//
// KEYS[1] = client key
// ARGV[1] = redirect URI to pin
//
// Returns "NOT_FOUND" or "PINNED:<uri>" with the URI that is now pinned.
const luaPinRedirectURI = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local c = cjson.decode(data)
if c.pinned_redirect_uri == nil or c.pinned_redirect_uri == '' then
    c.pinned_redirect_uri = ARGV[1]
    redis.call('SET', KEYS[1], cjson.encode(c))
end
return 'PINNED:' .. c.pinned_redirect_uri
`

// luaCreateGrant stores a grant and its indexes. A client grant also claims
// the (client, subject) pair key, so at most one exists per pair.
//
// KEYS[1] = grant key
// KEYS[2] = owner's subjectgrants set
// KEYS[3] = clientgrant pair key (client grants) or followergrants set
// ARGV[1] = grant JSON
// ARGV[2] = grant id
// ARGV[3] = "client" or "follower"
//
// Returns "OK" or "EXISTS".
const luaCreateGrant = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
if ARGV[3] == 'client' then
    if not redis.call('SET', KEYS[3], ARGV[2], 'NX') then
        return 'EXISTS'
    end
else
    redis.call('SADD', KEYS[3], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 'OK'
`

// luaUpdateGrant replaces the mutable fields of a grant.
//
// KEYS[1] = grant key
// ARGV[1] = scope, ARGV[2] = label, ARGV[3] = "1" to limit to 24 hours
//
// Returns "OK" or "NOT_FOUND".
const luaUpdateGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local g = cjson.decode(data)
g.scope = ARGV[1]
g.label = ARGV[2]
g.limit_to_24_hours = (ARGV[3] == '1')
redis.call('SET', KEYS[1], cjson.encode(g))
return 'OK'
`

// luaMergeGrantScopes adds scopes to a grant's space-delimited scope string,
// keeping it sorted and deduplicated, and sets limit_to_24_hours.
//
// KEYS[1] = grant key
// ARGV[1] = space-delimited scopes to add, ARGV[2] = "1" to limit to 24 hours
//
// Returns "NOT_FOUND" or "OK:<grant JSON>".
const luaMergeGrantScopes = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local g = cjson.decode(data)
local seen = {}
local merged = {}
for _, src in ipairs({g.scope or '', ARGV[1]}) do
    for s in string.gmatch(src, '%S+') do
        if not seen[s] then
            seen[s] = true
            table.insert(merged, s)
        end
    end
end
table.sort(merged)
g.scope = table.concat(merged, ' ')
g.limit_to_24_hours = (ARGV[2] == '1')
local encoded = cjson.encode(g)
redis.call('SET', KEYS[1], encoded)
return 'OK:' .. encoded
`

// luaTouchGrant moves last_used_at forward.
//
// KEYS[1] = grant key
// ARGV[1] = time of use (Unix ms)
const luaTouchGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local g = cjson.decode(data)
local at = tonumber(ARGV[1])
if at > g.last_used_at then
    g.last_used_at = at
    redis.call('SET', KEYS[1], cjson.encode(g))
end
return 'OK'
`

// luaDeleteGrant removes a grant and its index entries.
//
// KEYS[1] = grant key
// ARGV[1] = key prefix
const luaDeleteGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local g = cjson.decode(data)
redis.call('DEL', KEYS[1])
redis.call('SREM', ARGV[1] .. 'subjectgrants:' .. g.subject_id, g.id)
if g.follower_subject_id ~= '' then
    redis.call('SREM', ARGV[1] .. 'followergrants:' .. g.follower_subject_id, g.id)
else
    local pair = ARGV[1] .. 'clientgrant:' .. g.client_id .. ':' .. g.subject_id
    if redis.call('GET', pair) == g.id then
        redis.call('DEL', pair)
    end
end
return 'OK'
`

// luaSaveDeviceCode stores a device code unless its user code is held by
// another unexpired code.
//
// KEYS[1] = usercode key
// KEYS[2] = device key
// ARGV[1] = device code JSON
// ARGV[2] = device code hash
// ARGV[3] = now (Unix ms)
// ARGV[4] = record TTL (ms)
// ARGV[5] = device key prefix
//
// Returns "OK", "COLLISION" or "EXISTS".
const luaSaveDeviceCode = `
local holder = redis.call('GET', KEYS[1])
if holder then
    local old = redis.call('GET', ARGV[5] .. holder)
    if old then
        local d = cjson.decode(old)
        if tonumber(ARGV[3]) < d.expires_at then
            return 'COLLISION'
        end
        redis.call('DEL', ARGV[5] .. holder)
    end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'EXISTS'
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[4])
return 'OK'
`

// luaResolveDeviceCode moves a pending, unexpired device code to approved
// or denied.
//
// KEYS[1] = usercode key
// ARGV[1] = device key prefix
// ARGV[2] = new status
// ARGV[3] = subject id
// ARGV[4] = "1" to limit to 24 hours
// ARGV[5] = now (Unix ms)
//
// Returns "NOT_FOUND", "NOT_PENDING:<status>", "EXPIRED" or "OK:<json>".
const luaResolveDeviceCode = `
local hash = redis.call('GET', KEYS[1])
if not hash then
    return 'NOT_FOUND'
end
local key = ARGV[1] .. hash
local data = redis.call('GET', key)
if not data then
    return 'NOT_FOUND'
end
local d = cjson.decode(data)
if d.status ~= 'pending' then
    return 'NOT_PENDING:' .. d.status
end
if tonumber(ARGV[5]) >= d.expires_at then
    return 'EXPIRED'
end
d.status = ARGV[2]
d.subject_id = ARGV[3]
d.limit_to_24_hours = (ARGV[4] == '1')
local out = cjson.encode(d)
redis.call('SET', key, out, 'KEEPTTL')
return 'OK:' .. out
`

// luaPollDeviceCode records a poll. Pending codes polled faster than their
// interval get SLOW_DOWN and a longer interval; approved codes become
// consumed exactly once.
//
// KEYS[1] = device key
// ARGV[1] = polling client id
// ARGV[2] = now (Unix ms)
// ARGV[3] = slow_down increment (seconds)
//
// Returns "NOT_FOUND" or "<OK|SLOW_DOWN|REDEEMED>:<json>".
const luaPollDeviceCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local d = cjson.decode(data)
if d.client_id ~= ARGV[1] then
    return 'NOT_FOUND'
end
local now = tonumber(ARGV[2])
local outcome = 'OK'
if now < d.expires_at then
    if d.status == 'pending' then
        if d.last_polled_at > 0 and (now - d.last_polled_at) < d.interval * 1000 then
            outcome = 'SLOW_DOWN'
            d.interval = d.interval + tonumber(ARGV[3])
        end
        d.last_polled_at = now
        redis.call('SET', KEYS[1], cjson.encode(d), 'KEEPTTL')
    elseif d.status == 'approved' then
        d.status = 'consumed'
        d.last_polled_at = now
        outcome = 'REDEEMED'
        redis.call('SET', KEYS[1], cjson.encode(d), 'KEEPTTL')
    end
end
return outcome .. ':' .. cjson.encode(d)
`

// luaRotateRefreshToken marks a refresh token rotated and stores its
// successor in the same family.
//
// KEYS[1] = old refresh key
// ARGV[1] = rotation JSON
// ARGV[2] = now (Unix ms)
// ARGV[3] = key prefix
//
// Returns "NOT_FOUND", "REVOKED", "EXPIRED", "EXISTS", "REUSED:<old json>"
// or "OK:<successor json>".
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local old = cjson.decode(data)
if old.revoked_at > 0 then
    return 'REVOKED'
end
if old.rotated_at > 0 then
    return 'REUSED:' .. data
end
local now = tonumber(ARGV[2])
if now >= old.expires_at then
    return 'EXPIRED'
end
local rot = cjson.decode(ARGV[1])
local newKey = ARGV[3] .. 'refresh:' .. rot.token_hash
if redis.call('EXISTS', newKey) == 1 then
    return 'EXISTS'
end
local succ = {}
for k, v in pairs(old) do
    succ[k] = v
end
succ.token_hash = rot.token_hash
succ.generation = old.generation + 1
succ.ip_address = rot.ip_address
succ.user_agent = rot.user_agent
succ.access_token_id = rot.access_token_id
succ.access_token_expires_at = rot.access_token_expires_at
succ.issued_at = rot.issued_at
succ.expires_at = rot.expires_at
succ.rotated_at = 0
succ.replaced_by = ''
succ.revoked_at = 0
if rot.override_scope then
    succ.scope = rot.scope
end
old.rotated_at = now
old.replaced_by = rot.token_hash
redis.call('SET', KEYS[1], cjson.encode(old), 'KEEPTTL')
local ttl = succ.expires_at - now
if ttl < 1 then
    ttl = 1
end
local out = cjson.encode(succ)
redis.call('SET', newKey, out, 'PX', ttl)
local fam = ARGV[3] .. 'family:' .. succ.family_id
redis.call('SADD', fam, rot.token_hash)
redis.call('PEXPIRE', fam, ttl)
if succ.grant_id ~= '' then
    local gk = ARGV[3] .. 'grantrefresh:' .. succ.grant_id
    redis.call('SADD', gk, rot.token_hash)
    redis.call('PEXPIRE', gk, ttl)
end
return 'OK:' .. out
`

// luaRevokeRefreshSet revokes every live token listed in a set (a family or
// a grant's tokens) and drops members whose record already expired.
//
// KEYS[1] = set key
// ARGV[1] = refresh key prefix
// ARGV[2] = revocation time (Unix ms)
//
// Returns an array with the JSON of every token revoked by this call.
const luaRevokeRefreshSet = `
local out = {}
for _, hash in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. hash
    local data = redis.call('GET', key)
    if not data then
        redis.call('SREM', KEYS[1], hash)
    else
        local t = cjson.decode(data)
        if t.revoked_at == 0 then
            t.revoked_at = tonumber(ARGV[2])
            local enc = cjson.encode(t)
            redis.call('SET', key, enc, 'KEEPTTL')
            table.insert(out, enc)
        end
    end
end
return out
`

// luaAcceptInvite checks an invite, stores the follower grant and records
// the use.
//
// KEYS[1] = invitetoken key
// ARGV[1] = key prefix
// ARGV[2] = now (Unix ms)
// ARGV[3] = follower grant JSON (invite_id is filled in here)
//
// Returns "NOT_FOUND", "REVOKED", "EXPIRED", "EXHAUSTED",
// "ALREADY_ACCEPTED", "GRANT_EXISTS" or "OK:<invite json>".
const luaAcceptInvite = `
local id = redis.call('GET', KEYS[1])
if not id then
    return 'NOT_FOUND'
end
local invKey = ARGV[1] .. 'invite:' .. id
local data = redis.call('GET', invKey)
if not data then
    return 'NOT_FOUND'
end
local inv = cjson.decode(data)
local now = tonumber(ARGV[2])
local g = cjson.decode(ARGV[3])
if inv.is_revoked then
    return 'REVOKED'
end
if now >= inv.expires_at then
    return 'EXPIRED'
end
if inv.max_uses >= 0 and inv.use_count >= inv.max_uses then
    return 'EXHAUSTED'
end
local followers = ARGV[1] .. 'invitefollowers:' .. id
if redis.call('SISMEMBER', followers, g.follower_subject_id) == 1 then
    return 'ALREADY_ACCEPTED'
end
local grantKey = ARGV[1] .. 'grant:' .. g.id
if redis.call('EXISTS', grantKey) == 1 then
    return 'GRANT_EXISTS'
end
g.invite_id = id
redis.call('SET', grantKey, cjson.encode(g))
redis.call('SADD', ARGV[1] .. 'subjectgrants:' .. g.subject_id, g.id)
redis.call('SADD', ARGV[1] .. 'followergrants:' .. g.follower_subject_id, g.id)
redis.call('SADD', followers, g.follower_subject_id)
redis.call('RPUSH', ARGV[1] .. 'inviteuses:' .. id, cjson.encode({
    follower_subject_id = g.follower_subject_id,
    grant_id = g.id,
    used_at = now,
}))
inv.use_count = inv.use_count + 1
local out = cjson.encode(inv)
redis.call('SET', invKey, out)
return 'OK:' .. out
`

// luaRevokeInvite sets is_revoked on an invite.
//
// KEYS[1] = invite key
//
// Returns "OK" or "NOT_FOUND".
const luaRevokeInvite = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local inv = cjson.decode(data)
inv.is_revoked = true
redis.call('SET', KEYS[1], cjson.encode(inv))
return 'OK'
`
