package sensors

// SensorRecord is one sample broadcast by the watch.
// Numeric values are pointers so a missing value (nil) is distinct from 0.
// JSON tags carry the canonical (expanded) field names; the compact wire form
// is derived from them through the key table.
type SensorRecord struct {
	Timestamp string `json:"Timestamp"` // HH:MM:SS, watch local clock

	BarometricPressure *int `json:"Air Pressure,omitempty"`
	Temperature        *int `json:"Temperature,omitempty"`
	Altitude           *int `json:"Altitude,omitempty"`
	HeartRate          *int `json:"HeartRate,omitempty"` // 0 = no reading available

	AccelX         *int `json:"AccelX,omitempty"`
	AccelY         *int `json:"AccelY,omitempty"`
	AccelZ         *int `json:"AccelZ,omitempty"`
	AccelMagnitude *int `json:"Magnitude,omitempty"`
	AccelMaxDelta  *int `json:"AccelDifference,omitempty"`

	StepCount *int `json:"StepCount,omitempty"`

	// Replayed is set on records reassembled from a marker-prefixed stream,
	// i.e. samples the watch stored earlier and is now re-sending.
	Replayed bool `json:"-"`
}

// KeyDefinition ties a short wire key to its canonical name together with
// the metadata needed to expose the value downstream (Home Assistant).
type KeyDefinition struct {
	Short       string
	Canonical   string
	FieldName   string // Go field name on SensorRecord
	EnglishName string
	DeviceClass string
	Unit        string
	Icon        string
}

// AllKeys is the key abbreviation table. Order matters: it is the order in
// which the encoder emits keys. Short keys and canonical names are both
// unique, so the mapping is injective in both directions.
var AllKeys = []KeyDefinition{
	{"ts", "Timestamp", "Timestamp", "Watch Time", "", "", "mdi:clock-outline"},
	{"bp", "Air Pressure", "BarometricPressure", "Air Pressure", "atmospheric_pressure", "hPa", ""},
	{"bt", "Temperature", "Temperature", "Temperature", "temperature", "°C", ""},
	{"ba", "Altitude", "Altitude", "Altitude", "distance", "m", "mdi:altimeter"},
	{"hr", "HeartRate", "HeartRate", "Heart Rate", "", "bpm", "mdi:heart-pulse"},
	{"x", "AccelX", "AccelX", "Acceleration X", "", "", "mdi:axis-x-arrow"},
	{"y", "AccelY", "AccelY", "Acceleration Y", "", "", "mdi:axis-y-arrow"},
	{"z", "AccelZ", "AccelZ", "Acceleration Z", "", "", "mdi:axis-z-arrow"},
	{"m", "Magnitude", "AccelMagnitude", "Acceleration Magnitude", "", "", "mdi:vector-line"},
	{"ad", "AccelDifference", "AccelMaxDelta", "Acceleration Max Delta", "", "", "mdi:chart-bell-curve"},
	{"s", "StepCount", "StepCount", "Step Count", "", "steps", "mdi:walk"},
}

// GetKeyByShort returns the definition for a short wire key.
func GetKeyByShort(short string) *KeyDefinition {
	for i := range AllKeys {
		if AllKeys[i].Short == short {
			return &AllKeys[i]
		}
	}
	return nil
}

// GetKeyByCanonical returns the definition for a canonical field name.
func GetKeyByCanonical(canonical string) *KeyDefinition {
	for i := range AllKeys {
		if AllKeys[i].Canonical == canonical {
			return &AllKeys[i]
		}
	}
	return nil
}

// IntPtr is a small helper for building records.
func IntPtr(v int) *int { return &v }
