// Package checkpoint persists and restores the supervisor's snapshot.
//
// A snapshot is the complete recoverable state of one session: iteration
// counter, phase, progress ledger, artifacts, failure history, and timings.
// The store owns snapshot durability and nothing else. Saves are atomic
// with respect to process crash (temp file, fsync, rename), loads of a
// fresh session return the well-defined empty snapshot, and the iteration
// counter can never go backwards on disk.
//
// All storage failures wrap ErrStorage; the supervisor treats them as
// fatal because state integrity can no longer be guaranteed.
package checkpoint
