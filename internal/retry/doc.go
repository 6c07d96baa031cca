// Package retry runs fallible network operations under a bounded retry policy.
//
// Do executes an operation up to MaxRetries+1 times. Each attempt races the
// operation against AttemptTimeout; losing the race counts as a failed
// attempt with ErrTimeout. Between attempts it waits BaseDelay * 2^attempt
// with no upper cap. Once every attempt has failed, Do returns an
// *OperationFailed wrapping the last error; callers decide on a fallback.
package retry
