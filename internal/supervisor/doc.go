// Package supervisor drives the checkpointed iteration loop.
//
// One supervisor owns one session for the lifetime of a process run. Each
// turn of the loop consults, in order: the shutdown signal, the durable
// completion flag, and the time budget; only then does it launch the
// worker. Outcomes merge into the snapshot, and the snapshot is persisted
// before the loop continues, so a crash or signal at any point resumes
// from the last completed iteration.
//
// Cancellation is observed between iterations only. An in-flight worker
// is never canceled by a signal; it ends by returning or by its own
// timeout.
package supervisor
