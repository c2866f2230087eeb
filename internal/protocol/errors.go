package protocol

import (
	"errors"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrMissingTimestamp = sensors.ErrMissingTimestamp
	ErrNilRecord        = errors.New("nil record")
	ErrUnusableMarker   = errors.New("replay marker would survive the decoder filter")
)
