// Package store provides the SQLite-backed local copy of feed content and
// user state.
//
// The store holds:
//   - Feed items: the article corpus, keyed by normalised guid
//   - Marks: read, starred, shuffled-out and current-deck collections
//   - Settings: scalar key/values with a last-modified marker
//   - Pending operations: the ledger of unacknowledged local mutations
//   - Sync cursors: per-key last-modified markers from the server
//
// # Invariants
//
// Identity:
//   - Guids are normalised (model.NormalizeGUID) before every read and write
//   - UNIQUE(collection, guid) on marks and UNIQUE(guid) on feed items
//   - Upserts use ON CONFLICT DO UPDATE so the row id of an existing entry
//     is preserved
//
// Atomicity:
//   - Multi-entry writes (PutMarks, ReplaceMarks, PutFeedItems) run in one
//     transaction; Batch groups arbitrary operations the same way
//
// Capacity:
//   - SQLITE_FULL surfaces as ErrCapacity and is never retried here
//
// Legacy data:
//   - Mark lists written by older clients (bare guid strings) are converted
//     to structured entries during Open, before any read
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - max_page_count: optional quota (WithMaxPages)
package store
