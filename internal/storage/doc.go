// Package storage is the persistence layer behind the broadcast and poll engines.
//
// It stores:
//   - Recipients (opt-in state and the cached private channel)
//   - Broadcast metadata and the per-recipient send log (append-only audit)
//   - Polls, toggle votes and poll message placements
//
// Two SQL drivers share one implementation: "sqlite" (modernc, default) and
// "postgres" (lib/pq). Vote toggles run in a single transaction; sqlite is
// limited to one connection and postgres locks the poll row.
package storage
