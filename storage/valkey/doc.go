// Package valkey provides a Valkey storage backend implementing every
// interface in package storage.
//
// Valkey is wire-compatible with Redis. The backend suits deployments that
// run several replicas of the authorization server or need state to survive
// restarts; records carry native TTLs so nothing needs sweeping.
//
// # Key Schema
//
// All keys use a configurable prefix (default "nocturne:auth:"):
//
//	{prefix}client:{clientID}            -> JSON(Client)
//	{prefix}clients                      -> SET of clientIDs
//	{prefix}grant:{id}                   -> JSON(Grant)
//	{prefix}clientgrant:{cid}:{subject}  -> grant id
//	{prefix}subjectgrants:{subject}      -> SET of grant ids
//	{prefix}followergrants:{subject}     -> SET of grant ids
//	{prefix}code:{code}                  -> JSON(AuthorizationCode), TTL
//	{prefix}authreq:{id}                 -> JSON(AuthorizationRequest), TTL
//	{prefix}device:{hash}                -> JSON(DeviceCode), TTL
//	{prefix}usercode:{userCode}          -> device code hash, TTL
//	{prefix}refresh:{hash}               -> JSON(RefreshToken), TTL
//	{prefix}family:{familyID}            -> SET of refresh token hashes
//	{prefix}grantrefresh:{grantID}       -> SET of refresh token hashes
//	{prefix}invite:{id}                  -> JSON(Invite)
//	{prefix}invitetoken:{hash}           -> invite id
//	{prefix}ownerinvites:{subject}       -> SET of invite ids
//	{prefix}invitefollowers:{id}         -> SET of follower subjects
//	{prefix}inviteuses:{id}              -> LIST of JSON(InviteUse)
//	{prefix}revoked:{jti}                -> "1", TTL
//
// # Atomic Operations
//
// Codes and correlation records are consumed with GETDEL. Redirect URI
// pinning, device code resolution and polling, refresh rotation, family
// revocation and invite acceptance run as Lua scripts, so concurrent callers
// observe a single winner exactly as with the in-memory store. Scripts
// derive secondary keys from the prefix they are given, so a cluster
// deployment must hash-tag the prefix into one slot.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "nocturne:auth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
