// Package scheduler rings configured bells on a timetable.
//
// Each Schedule names a tenant and a button action. When its spec fires, the
// Service hands it to the FireFunc supplied by the caller, which performs the
// broadcast (or starts a poll) exactly as if a user had pressed the button.
//
// # Schedule formats
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with optional
//     seconds. Example: "50 11 * * MON-FRI".
//   - Cron descriptors: "@daily", "@every 2h".
//   - Daily wall-clock time HH:MM: "11:50" fires every day at 11:50 in the
//     scheduler timezone.
//   - Interval durations: Go duration strings like "90m".
//
// The prefixes "cron:", "daily:" and "interval:" (or "every:") force one
// interpretation.
//
// # Overlap
//
// A schedule whose previous run is still in flight is skipped and recorded in
// the history with an "overlap_skip" error.
//
// # Reload
//
// Apply replaces the whole schedule set. A timezone change rebuilds the cron
// runner.
package scheduler
