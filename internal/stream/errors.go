package stream

import "errors"

// Error kinds surfaced by lifecycle operations. Callers test with errors.Is.
var (
	ErrIllegalState     = errors.New("illegal state")
	ErrInvalidParam     = errors.New("invalid parameter")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOperationFailed  = errors.New("operation failed")
	ErrTimeout          = errors.New("timed out")
)
