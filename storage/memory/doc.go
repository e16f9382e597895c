// Package memory provides an in-memory implementation of every storage
// interface.
//
// Each record family (clients, grants, flows, device codes, refresh tokens,
// invites, revocations) has its own lock, and single-use records are held in
// sync.Map so consumption is a LoadAndDelete. A background goroutine drops
// expired records; call Stop when the store is no longer needed.
//
// The store is suitable for development, tests and single-instance
// deployments. Use storage/valkey or storage/postgres when state must survive
// restarts or be shared between replicas.
//
//	store := memory.New()
//	defer store.Stop()
package memory
