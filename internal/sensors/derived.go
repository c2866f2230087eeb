package sensors

import "fmt"

// Thresholds bound the heart rate considered normal. The watch firmware and
// the receiver revisions never agreed on fixed numbers, so both sides take
// them from configuration.
type Thresholds struct {
	MinHeartRate int
	MaxHeartRate int
}

// Abnormal reports whether bpm is a real reading outside the thresholds.
// A zero reading means "no reading" and is never abnormal.
func (t Thresholds) Abnormal(bpm int) bool {
	if bpm <= 0 {
		return false
	}
	if t.MinHeartRate > 0 && bpm < t.MinHeartRate {
		return true
	}
	if t.MaxHeartRate > 0 && bpm > t.MaxHeartRate {
		return true
	}
	return false
}

// CheckVitals performs basic plausibility checks on a decoded record and
// returns human-readable warnings.
func CheckVitals(rec *SensorRecord, th Thresholds) []string {
	var warnings []string
	if rec == nil {
		return warnings
	}

	if rec.HeartRate != nil && th.Abnormal(*rec.HeartRate) {
		warnings = append(warnings, fmt.Sprintf("Heart rate out of range: %d bpm (allowed %d-%d)",
			*rec.HeartRate, th.MinHeartRate, th.MaxHeartRate))
	}

	if rec.BarometricPressure != nil {
		if *rec.BarometricPressure < 300 || *rec.BarometricPressure > 1100 {
			warnings = append(warnings, fmt.Sprintf("Air pressure out of reasonable range: %d hPa", *rec.BarometricPressure))
		}
	}

	if rec.Temperature != nil {
		if *rec.Temperature < -40 || *rec.Temperature > 85 {
			warnings = append(warnings, fmt.Sprintf("Temperature out of reasonable range: %d°C", *rec.Temperature))
		}
	}

	return warnings
}

// DeriveWearState derives a coarse state for the watch from the heart rate
// sensor:
//  1. No heart rate field at all → "unknown".
//  2. Heart rate 0 (sensor found no pulse) → "not_worn".
//  3. Otherwise → "worn".
func DeriveWearState(rec *SensorRecord) string {
	if rec == nil || rec.HeartRate == nil {
		return "unknown"
	}
	if *rec.HeartRate == 0 {
		return "not_worn"
	}
	return "worn"
}
