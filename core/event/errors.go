package event

import "errors"

// ErrBusClosed is returned when publishing to or closing an already
// closed bus.
var ErrBusClosed = errors.New("event bus is closed")
