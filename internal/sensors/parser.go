package sensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode"
)

// ErrMissingTimestamp is returned for objects that parse but carry no
// Timestamp; such records are not emitted.
var ErrMissingTimestamp = errors.New("record has no timestamp")

// canonicalRecord accepts numbers in any JSON form; the watch rounds before
// sending but the receiver can be configured to keep '.' and '-'.
type canonicalRecord struct {
	Timestamp          string   `json:"Timestamp"`
	BarometricPressure *float64 `json:"Air Pressure"`
	Temperature        *float64 `json:"Temperature"`
	Altitude           *float64 `json:"Altitude"`
	HeartRate          *float64 `json:"HeartRate"`
	AccelX             *float64 `json:"AccelX"`
	AccelY             *float64 `json:"AccelY"`
	AccelZ             *float64 `json:"AccelZ"`
	AccelMagnitude     *float64 `json:"Magnitude"`
	AccelMaxDelta      *float64 `json:"AccelDifference"`
	StepCount          *float64 `json:"StepCount"`
}

// ParseRecord parses a canonical-shape JSON object into a SensorRecord.
// Fields that are absent stay nil; downstream consumers must tolerate
// partial records.
func ParseRecord(data []byte) (*SensorRecord, error) {
	var raw canonicalRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if raw.Timestamp == "" {
		return nil, ErrMissingTimestamp
	}

	return &SensorRecord{
		Timestamp:          raw.Timestamp,
		BarometricPressure: roundPtr(raw.BarometricPressure),
		Temperature:        roundPtr(raw.Temperature),
		Altitude:           roundPtr(raw.Altitude),
		HeartRate:          roundPtr(raw.HeartRate),
		AccelX:             roundPtr(raw.AccelX),
		AccelY:             roundPtr(raw.AccelY),
		AccelZ:             roundPtr(raw.AccelZ),
		AccelMagnitude:     roundPtr(raw.AccelMagnitude),
		AccelMaxDelta:      roundPtr(raw.AccelMaxDelta),
		StepCount:          roundPtr(raw.StepCount),
	}, nil
}

func roundPtr(v *float64) *int {
	if v == nil {
		return nil
	}
	i := int(math.Round(*v))
	return &i
}

// GetNonNilFields returns a map of snake_case field names to values for all
// populated fields of the record, Timestamp included.
func GetNonNilFields(rec *SensorRecord) map[string]interface{} {
	result := make(map[string]interface{})
	if rec == nil {
		return result
	}

	v := reflect.ValueOf(rec).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		name := t.Field(i).Name

		switch field.Kind() {
		case reflect.Ptr:
			if field.IsNil() {
				continue
			}
			result[ToSnakeCase(name)] = field.Elem().Interface()
		case reflect.String:
			if field.String() == "" {
				continue
			}
			result[ToSnakeCase(name)] = field.String()
		}
	}
	return result
}

// CanonicalFields returns the populated fields of rec keyed by their
// canonical names ("Timestamp", "Air Pressure", "HeartRate", ...), the shape
// the watch sends once keys are expanded.
func CanonicalFields(rec *SensorRecord) map[string]interface{} {
	result := make(map[string]interface{})
	if rec == nil {
		return result
	}

	v := reflect.ValueOf(rec).Elem()
	for _, def := range AllKeys {
		field := v.FieldByName(def.FieldName)
		switch field.Kind() {
		case reflect.Ptr:
			if !field.IsNil() {
				result[def.Canonical] = field.Elem().Interface()
			}
		case reflect.String:
			if field.String() != "" {
				result[def.Canonical] = field.String()
			}
		}
	}
	return result
}

// ToSnakeCase converts a Go field name such as "AccelMaxDelta" to
// "accel_max_delta".
func ToSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
