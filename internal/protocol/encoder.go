// Package protocol implements the fragmented-advertisement framing used
// between the watch and the receiver.
//
// A record is serialised as compact JSON with abbreviated keys and cut into
// fixed-size chunks, one per advertisement. There is no sequence number,
// length prefix or checksum: the receiver re-establishes object boundaries by
// scanning for '{' and '}', so chunks of one record must arrive in order.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

const (
	DefaultChunkSize = 17
	DefaultMarker    = '*'
)

// Encoder turns records into wire chunks.
type Encoder struct {
	// ChunkSize is the number of record bytes per chunk, excluding the
	// optional marker.
	ChunkSize int
	// Marker is prefixed to every chunk of a replayed record.
	Marker byte
}

// NewEncoder returns an encoder with the given chunk size and marker.
func NewEncoder(chunkSize int, marker byte) *Encoder {
	return &Encoder{ChunkSize: chunkSize, Marker: marker}
}

// Marshal returns the compact wire JSON of rec, keys in table order.
func Marshal(rec *sensors.SensorRecord) ([]byte, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	if rec.Timestamp == "" {
		return nil, ErrMissingTimestamp
	}
	canonical, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return []byte(sensors.CompactKeys(string(canonical))), nil
}

// Encode serialises rec and splits it into chunks. When replay is true every
// chunk carries the marker byte in front.
func (e *Encoder) Encode(rec *sensors.SensorRecord, replay bool) ([][]byte, error) {
	if e.ChunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	payload, err := Marshal(rec)
	if err != nil {
		return nil, err
	}

	chunks := make([][]byte, 0, (len(payload)+e.ChunkSize-1)/e.ChunkSize)
	for start := 0; start < len(payload); start += e.ChunkSize {
		end := min(start+e.ChunkSize, len(payload))

		var chunk []byte
		if replay {
			chunk = make([]byte, 0, end-start+1)
			chunk = append(chunk, e.Marker)
		} else {
			chunk = make([]byte, 0, end-start)
		}
		chunks = append(chunks, append(chunk, payload[start:end]...))
	}
	return chunks, nil
}
