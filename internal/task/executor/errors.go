package executor

import "errors"

var (
	ErrStopped     = errors.New("executor stopped")
	ErrQueueFull   = errors.New("executor queue full")
	ErrOverlapSkip = errors.New("execution skipped: previous run still in flight")
)
