// Package backend runs the inference CLI for one exchange and decodes its
// output.
//
// # Protocol
//
// The CLI writes one JSON object per line to stdout. DecodeEvent maps each
// line to System, TextDelta, AssistantMessage, Result or Unknown by its
// "type" field. Undecodable lines are skipped.
//
// Text deltas are forwarded to the caller as they arrive. An assistant
// message's text is forwarded only when no deltas were seen for that turn.
// A Result event ends the exchange; its text is preferred over the
// accumulated deltas when non-empty.
//
// # Failures
//
// Spawn returns *Error with one of:
//
//   - KindTimeout: no result within backend.timeout
//   - KindCancelled: the caller's context was cancelled, or the process
//     was stopped through the ProcessTable
//   - KindRateLimited: stderr mentions "rate limit" or "429"
//   - KindSessionNotFound: stderr mentions a missing session, or a resume
//     exited 1 with empty stderr
//   - KindProcess: anything else
//
// Timeout and cancellation send SIGTERM to the process group, wait
// backend.kill_grace, then SIGKILL. The timeout covers the wait for the
// result event only: a process still running kill_grace after its result
// is stopped and the exchange still succeeds.
//
// # Process Table
//
// Every running process is registered under its conversation key until it
// has been reaped, so cancellation can find it.
package backend
