package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed       = errors.New("malformed payload")
	ErrOutOfRange      = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp too far in the future")
	ErrUnknownSensor   = errors.New("unknown sensor")
)

// ValidationError rejects a payload (Index -1) or one reading of a batch.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("readings[%d].%s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// reason is the metric label for a rejection.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrUnknownSensor):
		return "unknown_sensor"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "other"
}
