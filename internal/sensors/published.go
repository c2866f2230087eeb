package sensors

import (
	"os"
	"strings"
)

// MonitoredKey is a record field we relay downstream.
//
// • Publish == true lets the value leave the application (MQTT state and
//   Home Assistant discovery).
// • Publish == false keeps it internal, e.g. the raw accelerometer axes
//   which are noisy and mostly useful for deriving the magnitude.
//
// The default set can be overridden with BANGLE_HASS_PUBLISH_KEYS using the
// short wire keys: "hr,bp,x:0" publishes hr and bp and keeps x internal.
// ":1" is the default and may be omitted.
type MonitoredKey struct {
	Short   string
	Publish bool
}

var defaultMonitoredKeys = []MonitoredKey{
	{Short: "ts", Publish: true},
	{Short: "bp", Publish: true},
	{Short: "bt", Publish: true},
	{Short: "ba", Publish: true},
	{Short: "hr", Publish: true},
	{Short: "m", Publish: true},
	{Short: "ad", Publish: true},
	{Short: "s", Publish: true},

	// Internal-only
	{Short: "x", Publish: false},
	{Short: "y", Publish: false},
	{Short: "z", Publish: false},
}

// MonitoredKeys is initialised once at start-up.
var MonitoredKeys = loadMonitoredKeysFromEnv()

func loadMonitoredKeysFromEnv() []MonitoredKey {
	return parseMonitoredKeys(os.Getenv("BANGLE_HASS_PUBLISH_KEYS"))
}

func parseMonitoredKeys(raw string) []MonitoredKey {
	if raw == "" {
		return defaultMonitoredKeys
	}

	parts := strings.Split(raw, ",")
	keys := make([]MonitoredKey, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		publish := true
		short := p
		if strings.Contains(p, ":") {
			pieces := strings.SplitN(p, ":", 2)
			short = pieces[0]
			if pieces[1] == "0" {
				publish = false
			}
		}

		if GetKeyByShort(short) == nil {
			continue
		}
		keys = append(keys, MonitoredKey{Short: short, Publish: publish})
	}

	if len(keys) == 0 {
		return defaultMonitoredKeys
	}
	return keys
}

// PublishedKeys returns the definitions of every key whose Publish flag is
// set, in table order.
func PublishedKeys() []KeyDefinition {
	allowed := make(map[string]struct{}, len(MonitoredKeys))
	for _, k := range MonitoredKeys {
		if k.Publish {
			allowed[k.Short] = struct{}{}
		}
	}

	out := make([]KeyDefinition, 0, len(allowed))
	for _, def := range AllKeys {
		if _, ok := allowed[def.Short]; ok {
			out = append(out, def)
		}
	}
	return out
}
