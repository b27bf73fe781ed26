package devserver

import "errors"

// Sentinel errors for orchestrator operations.
var (
	ErrSearchNotFound = errors.New("search not found")
	ErrQueryEmpty     = errors.New("query cannot be empty")
	ErrQueryTooLong   = errors.New("query too long")
	ErrNotRunning     = errors.New("search is not running")
	ErrClosed         = errors.New("orchestrator closed")
)
