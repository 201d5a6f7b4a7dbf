// Package sessions authenticates principals and tracks the lifetime of the
// sessions they open.
//
// A session carries a role (USER, POWER_USER, ADMIN) and an effective
// permission set seeded from that role. The set may be adjusted per session
// with GrantPermission and RevokePermission; AssignRole resets it.
//
// Expiration slides: each successful ValidateSession pushes it forward by the
// token lifetime. Expired sessions are removed eagerly whenever they are
// observed, and CleanupExpiredSessions additionally evicts sessions idle for
// more than twice the token lifetime.
//
// Sessions live in a Store. MemoryStore is process-local; StorageStore writes
// through to a storage.Storage (for example Redis) so that sessions survive a
// restart and can be shared by replicas.
package sessions
