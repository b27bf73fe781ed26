package client

import "errors"

// Sentinel errors for controller operations.
var (
	ErrNoActiveTask  = errors.New("no running task")
	ErrTaskDiscarded = errors.New("task is no longer in the session")
)
