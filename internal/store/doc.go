// Package store provides the SQLite collaborator for keysync pipelines.
//
// One database holds:
//   - Source tables: append-only change logs with hidden _seq and _change_type
//     columns. _seq is AUTOINCREMENT so positions are never reused, even after
//     rows are purged.
//   - Target tables: keyed tables with a UNIQUE index over the key columns.
//   - Change feeds: <target>__changes, filled by triggers on the target.
//   - Metadata: _keysync_tables and _keysync_checkpoints.
//
// # Critical Patterns
//
// Deterministic reads: every query has an ORDER BY, by _seq for sources and by
// the key columns for targets.
//
// Parameterized values: row values are always bound, never interpolated.
// Identifiers are double-quoted with quoteIdent.
//
// Atomic batches: Upsert, DeleteKeys, and Purge each run in one transaction.
//
// Quiet replays: Upsert skips rows identical to what is stored, so replaying a
// batch writes nothing and adds nothing to the change feed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
