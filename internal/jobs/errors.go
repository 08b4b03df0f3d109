package jobs

import "errors"

var (
	ErrInvalidJobType      = errors.New("invalid job type")
	ErrInvalidJobPayload   = errors.New("invalid job payload")
	ErrPayloadTypeMismatch = errors.New("payload type mismatch for job type")
	ErrNoHandler           = errors.New("no handler registered for job type")
	ErrVerifyTimeout       = errors.New("write verification timed out")
)
