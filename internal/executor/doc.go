// Package executor provides the background job executor. It periodically
// acquires due jobs from the store, runs them through the handler registered
// for their type, and deletes or retries them depending on the outcome.
// Start and Stop are idempotent so callers such as the drain waiter can
// toggle the executor without tracking its state.
package executor
