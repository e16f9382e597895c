// Package storage provides the persistence interfaces of the authorization server.
//
// The interfaces are split by concern:
//   - ClientStore: OAuth clients (known and ad hoc, redirect URI pinning)
//   - GrantStore: client-delegated and follower grants
//   - FlowStore: authorization codes and consent correlation records
//   - DeviceCodeStore: RFC 8628 device authorizations
//   - RefreshTokenStore: refresh tokens and rotation families
//   - InviteStore: shareable follower invites
//   - RevocationStore: revoked access token identifiers
//
// Every single-use transition (code consumption, device redemption, refresh
// rotation, invite acceptance) is an atomic operation of the backend rather
// than a read-check-write in the caller.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/postgres: PostgreSQL storage with embedded migrations
//   - storage/redis: go-redis backed RevocationStore
package storage
