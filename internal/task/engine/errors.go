package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: concurrency limit reached")
	ErrStale       = errors.New("task dropped: waited too long in queue")
	ErrInvalidTask = errors.New("invalid task")
)
