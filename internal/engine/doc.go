// Package engine implements the sync coordinator: the push path from the
// pending-operation ledger to the server and the pull path from the server
// into the local store.
//
// ARCHITECTURE:
//
// Push:
//   - PushOne queues a mutation and attempts to deliver it at once.
//   - PushAll drains the ledger in batches, then runs one pull that skips
//     every key it just pushed.
//
// Pull:
//   - PullKey fetches one key conditionally (If-None-Match on the key's
//     cursor, since on the newest local mark for merge lists), retries
//     network failures with linear backoff, and hands the payload to the
//     reconciler.
//   - PullAll runs PullKey for every synchronised key concurrently. Keys
//     touch disjoint collections, so no cross-key locking is needed.
//
// Task classes:
// Foreground calls complete before returning. Pulls scheduled by a
// successful PushOne are detached tasks on an internal queue, drained by
// RunDetached (Run starts it) or synchronously by Flush.
//
// CRITICAL PATTERNS:
//
// Race guard:
// A key is never reconciled while the ledger holds an unconfirmed
// operation for it. The check runs before the request and again before
// reconciling, unless the pull is forced.
//
// In-flight flag:
// At most one PullAll runs at a time. An overlapping call is a no-op that
// reports SkipInFlight.
//
// Isolation:
// A failure in one key or one batch is recorded in the report and never
// aborts its siblings.
package engine
