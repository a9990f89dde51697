package provider

import "errors"

var (
	ErrNotFound     = errors.New("object not found")
	ErrExists       = errors.New("object already exists")
	ErrDisconnected = errors.New("provider disconnected")
)

// IsTransient reports whether err is a race the engine recovers from by
// re-evaluating on a later pump.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists)
}
