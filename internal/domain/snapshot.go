package domain

import (
	"reflect"
	"strings"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

// Changed returns true if cur carries different sensor values than prev.
// The timestamp changes with every cycle and is ignored, as is the replay
// flag.
func Changed(prev, cur *sensors.SensorRecord) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := *prev, *cur // copy
	p.Timestamp, c.Timestamp = "", ""
	p.Replayed, c.Replayed = false, false

	return !reflect.DeepEqual(p, c)
}

// Newer reports whether cur was taken after prev. Timestamps are HH:MM:SS so
// they compare lexically; a jump from the last hour of the day into the first
// counts as newer.
func Newer(prev, cur *sensors.SensorRecord) bool {
	if prev == nil {
		return true
	}
	if cur == nil {
		return false
	}
	if strings.HasPrefix(prev.Timestamp, "23") && strings.HasPrefix(cur.Timestamp, "00") {
		return true
	}
	return cur.Timestamp >= prev.Timestamp
}
