// Package publish ships published estimates to a Kafka topic.
//
// Publish is non-blocking: updates go into a bounded buffer and, when it is
// full, the oldest update is evicted. Run drains the buffer one message at a
// time and backs off exponentially, with jitter, while the brokers are
// unreachable. Messages are keyed by session so a page view's updates stay
// ordered within a partition.
package publish
