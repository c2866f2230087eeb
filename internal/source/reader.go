// Package source acquires the slow sensor values (barometer, thermometer,
// heart rate) for the advertising side.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/bangle-hass/internal/watch"
)

// ErrReadTimeout is returned when a sensor did not answer in time.
var ErrReadTimeout = errors.New("sensor read timed out")

// Reading is one acquisition of the slow sensors.
type Reading = watch.Reading

// Reader is implemented by every sensor back-end.
type Reader interface {
	Read(ctx context.Context) (*Reading, error)
}

type result struct {
	reading *Reading
	err     error
}

// ReadWithTimeout runs r.Read and the timeout against each other. Whichever
// resolves first wins; the loser is ignored. A Reader that does not honour ctx
// keeps its goroutine until it returns, but its result is discarded.
func ReadWithTimeout(ctx context.Context, r Reader, timeout time.Duration) (*Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		reading, err := r.Read(ctx)
		done <- result{reading, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrReadTimeout, timeout)
			}
			return nil, res.err
		}
		if res.reading == nil {
			return nil, errors.New("sensor returned no reading")
		}
		return res.reading, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrReadTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}
