package bus

import (
	"sync"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

// Bus fans decoded records out to every subscriber. Past records are not
// replayed to late subscribers. Safe for concurrent publishers and
// subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *sensors.SensorRecord
	closed      bool
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a channel receiving all future records. size is the
// channel buffer; values below 1 are raised to 1.
func (b *Bus) Subscribe(size int) <-chan *sensors.SensorRecord {
	if size < 1 {
		size = 1
	}
	ch := make(chan *sensors.SensorRecord, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers rec without blocking. A subscriber whose buffer is full
// misses this record and gets the next one. It reports how many subscribers
// received it.
func (b *Bus) Publish(rec *sensors.SensorRecord) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- rec:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
