// Package process spawns and supervises the child processes content asks for.
//
// Three modes are offered:
//   - Run: wait for exit and capture stdout and stderr, bounded by a timeout
//     and by the caller's context
//   - Detach: start and hand back the pid, nothing else is tracked
//   - Stream: forward stdout line by line while the process runs, optionally
//     on a pseudo-terminal so line-buffered programs flush per line
//
// Every supervised child leads its own process group. Stopping a child
// sends SIGTERM to the whole group and escalates to SIGKILL after a grace
// period. Escalation runs in the background so callers learn about a
// timeout or cancellation immediately.
//
// Output is never converted: bytes that are not UTF-8 fail the call with an
// EncodingError naming the likely charset.
package process
