// Package drain blocks a caller until the background job executor has no
// available work left, or fails with a diagnostic once a time budget runs out.
//
// A Waiter starts a Worker, polls a JobQuery once per interval and applies
// IsAvailable to every job it returns. The worker is stopped before
// WaitForDrain returns on every path, including timeouts and cancellation.
package drain
