// Package worker runs one iteration of the underlying worker process and
// classifies how it went.
//
// The invoker performs a single blocking exec per call: the task and the
// current snapshot go in on stdin as JSON, ITERD_* variables describe the
// session in the environment, and stdout may end with a JSON report
// carrying ledger updates, artifacts, and an optional phase advance.
//
// Exit codes drive classification: 0 is success, the designated complete
// code (default 42) is terminal success, a timeout is always recoverable,
// and other non-zero exits are matched against failure-signature tables.
// Anything unmatched is fatal. The invoker never retries; retry policy
// belongs to the supervisor so every attempt is visible in the snapshot's
// failure history.
package worker
