// Package advertise drives the sending side: it turns sensor readings into
// records, records into chunks and chunks into a paced sequence of
// advertisement payloads.
package advertise

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PayloadSetter replaces the payload currently being advertised. Only one
// payload is on the air at a time.
type PayloadSetter interface {
	SetPayload(ctx context.Context, data []byte) error
}

// Pacer puts chunks on the air one after another, leaving each in place for
// a fixed dwell time so scanners get a chance to see it.
type Pacer struct {
	setter PayloadSetter
	delay  time.Duration
	logger *logrus.Logger
}

// NewPacer creates a pacer with the given per-chunk dwell time.
func NewPacer(setter PayloadSetter, delay time.Duration, logger *logrus.Logger) *Pacer {
	return &Pacer{setter: setter, delay: delay, logger: logger}
}

// Send advertises every chunk in order and returns once the last chunk's
// dwell time has elapsed.
func (p *Pacer) Send(ctx context.Context, chunks [][]byte) error {
	for i, chunk := range chunks {
		if err := p.setter.SetPayload(ctx, chunk); err != nil {
			return fmt.Errorf("set payload %d/%d: %w", i+1, len(chunks), err)
		}
		p.logger.WithFields(logrus.Fields{
			"chunk": i + 1,
			"of":    len(chunks),
			"data":  string(chunk),
		}).Debug("Advertising chunk")

		if err := p.dwell(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pacer) dwell(ctx context.Context) error {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
