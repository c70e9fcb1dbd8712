package pending

import "errors"

// Errors
var (
	ErrPending      = errors.New("call still pending")
	ErrNilRejection = errors.New("call rejected without error")
)
