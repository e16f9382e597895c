// Package postgres provides a PostgreSQL implementation of the storage
// interfaces on database/sql with the lib/pq driver.
//
// Schema changes are shipped as embedded golang-migrate migrations; run
// Migrate (or the "migrate" CLI command) before serving traffic.
//
// Single-use transitions are expressed as conditional statements so the
// database decides the winner:
//   - authorization codes and correlation records: DELETE ... RETURNING
//   - redirect URI pinning, device approval: UPDATE ... WHERE ... RETURNING
//   - device polls, refresh rotation, invite acceptance: one transaction
//     holding a row lock (SELECT ... FOR UPDATE)
//
// Expired rows are rejected on read and removed by PurgeExpired.
package postgres
