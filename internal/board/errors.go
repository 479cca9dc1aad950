package board

import "errors"

// Precondition errors returned by Board operations. These are never
// retried automatically by callers; they map to 4xx-equivalent responses
// at the gateway.
var (
	ErrTaskNotFound            = errors.New("board: task not found")
	ErrGroupNotFound           = errors.New("board: group not found")
	ErrCycleInDependency       = errors.New("board: dependency would create a cycle")
	ErrIllegalStatusTransition = errors.New("board: illegal status transition")
)
