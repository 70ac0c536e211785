// Package storage persists subscribers, the processed-day ledger and the
// per-subscriber delivery ledger.
//
// Drivers:
//   - sqlite   (modernc.org/sqlite through sqlx, default)
//   - postgres (lib/pq through sqlx)
//   - file     (JSON snapshot, rewritten atomically)
//   - memory   (tests and throwaway runs)
package storage
