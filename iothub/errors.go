package iothub

import "github.com/juju/errors"

// Caller-visible error classes, compare with errors.Cause(err).
var (
	ErrInvalidParam         = errors.New("invalid parameter")
	ErrInvalidState         = errors.New("invalid state")
	ErrResourceNotAvailable = errors.New("resource not available")
	ErrRunFailed            = errors.New("run failed")
	ErrInternal             = errors.New("internal error")
)
