// Package store provides SQLite-backed durable storage for battery
// reports.
//
// The store implements an append-only results log with:
//   - Runs: one row per (run_id, rank), carrying the canonical JSON
//     report snapshot
//   - Case Results: one row per case for SQL-level analysis across
//     runs
//
// # Critical Patterns
//
// Append-only identity
//   - PRIMARY KEY (run_id, rank); re-delivered reports are ignored
//     via ON CONFLICT DO NOTHING, the first write wins
//   - A re-run files under a fresh run_id, never overwrites
//
// Snapshot is authoritative
//   - runs.report holds RFC 8785 canonical JSON; reads decode it
//     rather than reassembling from case rows
//   - The same bytes feed golden comparison and storage
//
// Deterministic query results
//   - Reads order by rank ASC, seq ASC; run listings by earliest
//     created_at with run_id COLLATE BINARY as tiebreak
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
