// Package sequencer assigns per-board commit-ordered sequence numbers and
// retains a bounded replay window per board.
//
// Two implementations share one contract: MemorySequencer for single-instance
// deployments and tests, RedisSequencer for multi-instance deployments where
// the sequence counter, replay window, and event feed live in Redis. Both
// deliver sequenced events to a registered handler in commit order per board;
// boards are independent of each other.
package sequencer
