package fade

import "errors"

var (
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrInvalidDuty     = errors.New("invalid duty")
	ErrInvalidDuration = errors.New("invalid duration")
)
