// Package validation checks the physical plausibility of incoming readings and
// the shape of device commands and operator alerts before they reach storage.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Daniel865692/energy-management-platform/models"
)

// FieldError names one failing field and the violated constraint
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Errors is the full set of failing fields for one input
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the names of the failing fields in check order
func (e Errors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, fe := range e {
		out = append(out, fe.Field)
	}
	return out
}

// Range is a closed interval a numeric field must fall into
type Range struct {
	Min float64
	Max float64
}

// Physical bounds of a reading
var (
	VoltageRange     = Range{Min: 0, Max: 300}
	CurrentRange     = Range{Min: 0, Max: 100}
	PowerRange       = Range{Min: 0, Max: 10000}
	PowerFactorRange = Range{Min: 0, Max: 1}
	FrequencyRange   = Range{Min: 45, Max: 65}
)

// ValidateReading converts a raw reading into a Reading, collecting every
// failing field. now is used when the input carries no timestamp.
func ValidateReading(raw *models.RawReading, now time.Time) (*models.Reading, error) {
	if raw == nil {
		return nil, Errors{{Field: "deviceId", Message: "Device ID is required"}}
	}

	var errs Errors

	deviceID, ok := nonEmptyString(raw.DeviceID)
	if !ok {
		errs = append(errs, FieldError{Field: "deviceId", Message: "Device ID is required", Value: raw.DeviceID})
	}

	reading := &models.Reading{DeviceID: deviceID}

	checks := []struct {
		field string
		label string
		value interface{}
		rng   Range
		dest  *float64
	}{
		{"voltage", "voltage value", raw.Voltage, VoltageRange, &reading.Voltage},
		{"current", "current value", raw.Current, CurrentRange, &reading.Current},
		{"power", "power value", raw.Power, PowerRange, &reading.Power},
		{"powerFactor", "power factor", raw.PowerFactor, PowerFactorRange, &reading.PowerFactor},
		{"frequency", "frequency", raw.Frequency, FrequencyRange, &reading.Frequency},
	}

	for _, c := range checks {
		v, err := parseNumber(c.value)
		if err != nil {
			errs = append(errs, FieldError{
				Field:   c.field,
				Message: fmt.Sprintf("Invalid %s: %v", c.label, err),
				Value:   c.value,
			})
			continue
		}
		if v < c.rng.Min || v > c.rng.Max {
			errs = append(errs, FieldError{
				Field:   c.field,
				Message: fmt.Sprintf("Invalid %s: must be between %g and %g", c.label, c.rng.Min, c.rng.Max),
				Value:   c.value,
			})
			continue
		}
		*c.dest = v
	}

	reading.Timestamp = now.UTC()
	if raw.Timestamp != nil {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			errs = append(errs, FieldError{Field: "timestamp", Message: err.Error(), Value: raw.Timestamp})
		} else {
			reading.Timestamp = ts
		}
	}

	switch models.ReadingSource(raw.Source) {
	case "", models.SourceDevice:
		reading.Source = models.SourceDevice
	case models.SourceOperator:
		reading.Source = models.SourceOperator
	default:
		errs = append(errs, FieldError{Field: "source", Message: "Invalid source", Value: raw.Source})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return reading, nil
}

// ValidateCommand checks a device command request
func ValidateCommand(deviceID, command string, value interface{}) (*float64, error) {
	var errs Errors

	if strings.TrimSpace(deviceID) == "" {
		errs = append(errs, FieldError{Field: "deviceId", Message: "Device ID is required", Value: deviceID})
	}
	if !models.CommandType(command).Valid() {
		errs = append(errs, FieldError{Field: "command", Message: "Invalid command", Value: command})
	}

	var parsed *float64
	if value != nil {
		v, err := parseNumber(value)
		if err != nil {
			errs = append(errs, FieldError{Field: "value", Message: "Invalid value", Value: value})
		} else {
			parsed = &v
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return parsed, nil
}

// ValidateAlert checks an operator alert request
func ValidateAlert(alertType, message string, priority string) error {
	var errs Errors

	if strings.TrimSpace(alertType) == "" {
		errs = append(errs, FieldError{Field: "type", Message: "Alert type is required"})
	}
	if strings.TrimSpace(message) == "" {
		errs = append(errs, FieldError{Field: "message", Message: "Alert message is required"})
	}
	if priority != "" && !models.AlertPriority(priority).Valid() {
		errs = append(errs, FieldError{Field: "priority", Message: "Invalid priority", Value: priority})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateStatus checks a device state report
func ValidateStatus(deviceID, status string) error {
	var errs Errors

	if strings.TrimSpace(deviceID) == "" {
		errs = append(errs, FieldError{Field: "deviceId", Message: "Device ID is required"})
	}
	switch models.PowerState(status) {
	case models.StateOn, models.StateOff:
	default:
		errs = append(errs, FieldError{Field: "status", Message: "Invalid status", Value: status})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func nonEmptyString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// parseNumber accepts JSON numbers and numeric strings, like a form field would
func parseNumber(v interface{}) (float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("value is required")
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number")
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number")
	}
	return f, nil
}

// parseTimestamp accepts RFC3339 strings or unix milliseconds
func parseTimestamp(v interface{}) (time.Time, error) {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
	}

	ms, err := parseNumber(v)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("Invalid timestamp")
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
