// Package clock is the scheduler abstraction used by the estimator and the
// retry executor. Production code uses Real(); tests use Fake(), whose time
// only moves when Advance is called.
//
// AfterFunc is the scheduling primitive: the estimator registers its delayed
// detailed pass and refinement passes as AfterFunc callbacks. On a FakeClock
// those callbacks run synchronously inside Advance, which makes the whole
// estimation lifecycle deterministic under test. WaitForTimers closes the race
// between a goroutine registering a timer and the test advancing the clock.
package clock
