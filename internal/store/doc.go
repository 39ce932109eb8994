// Package store provides SQLite-backed durable storage for a dsm node.
//
// It holds two independent things:
//   - The node journal: chain states, relationship events, the unilateral
//     outbox and applied invalidation markers. A node rebuilds its in-memory
//     chain, index and relationship store from it on restart.
//   - A directory: publications and identity anchors, implementing
//     directory.Service for a directory server.
//
// # Ordering
//
// Every query orders by state_number or seq. Relationship events replay in
// the order they were applied, which matters for reconciling publications
// against the entries that incorporate them.
//
// # Idempotency
//
// Writes use ON CONFLICT DO NOTHING keyed on content, so replaying a write
// after a crash is safe. A conflicting write for an existing key with
// different content is reported, never silently overwritten.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Bodies are cramberry-encoded.
package store
