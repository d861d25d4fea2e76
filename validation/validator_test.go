package validation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel865692/energy-management-platform/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func validRaw() *models.RawReading {
	return &models.RawReading{
		DeviceID:    "ESP32_001",
		Voltage:     230.0,
		Current:     5.0,
		Power:       1150.0,
		PowerFactor: 0.95,
		Frequency:   50.0,
	}
}

func TestValidateReading_Accepts(t *testing.T) {
	reading, err := ValidateReading(validRaw(), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "ESP32_001", reading.DeviceID)
	assert.Equal(t, 230.0, reading.Voltage)
	assert.Equal(t, 5.0, reading.Current)
	assert.Equal(t, 1150.0, reading.Power)
	assert.Equal(t, 0.95, reading.PowerFactor)
	assert.Equal(t, 50.0, reading.Frequency)
	assert.Equal(t, fixedNow, reading.Timestamp)
	assert.Equal(t, models.SourceDevice, reading.Source)
}

func TestValidateReading_BoundsAreInclusive(t *testing.T) {
	raw := &models.RawReading{
		DeviceID:    "dev",
		Voltage:     300.0,
		Current:     0.0,
		Power:       10000.0,
		PowerFactor: 1.0,
		Frequency:   45.0,
	}

	_, err := ValidateReading(raw, fixedNow)
	assert.NoError(t, err)
}

func TestValidateReading_RejectsEachField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.RawReading)
		field  string
	}{
		{"empty device", func(r *models.RawReading) { r.DeviceID = "  " }, "deviceId"},
		{"missing device", func(r *models.RawReading) { r.DeviceID = nil }, "deviceId"},
		{"numeric device", func(r *models.RawReading) { r.DeviceID = 12.0 }, "deviceId"},
		{"voltage high", func(r *models.RawReading) { r.Voltage = 300.1 }, "voltage"},
		{"voltage negative", func(r *models.RawReading) { r.Voltage = -1.0 }, "voltage"},
		{"current high", func(r *models.RawReading) { r.Current = 101.0 }, "current"},
		{"power high", func(r *models.RawReading) { r.Power = 10000.5 }, "power"},
		{"power factor high", func(r *models.RawReading) { r.PowerFactor = 1.01 }, "powerFactor"},
		{"frequency low", func(r *models.RawReading) { r.Frequency = 44.9 }, "frequency"},
		{"frequency high", func(r *models.RawReading) { r.Frequency = 65.1 }, "frequency"},
		{"voltage missing", func(r *models.RawReading) { r.Voltage = nil }, "voltage"},
		{"voltage text", func(r *models.RawReading) { r.Voltage = "abc" }, "voltage"},
		{"voltage bool", func(r *models.RawReading) { r.Voltage = true }, "voltage"},
		{"bad timestamp", func(r *models.RawReading) { r.Timestamp = "yesterday" }, "timestamp"},
		{"bad source", func(r *models.RawReading) { r.Source = "satellite" }, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(raw)

			reading, err := ValidateReading(raw, fixedNow)
			assert.Nil(t, reading)

			var verrs Errors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, []string{tt.field}, verrs.Fields())
		})
	}
}

func TestValidateReading_CollectsAllFailures(t *testing.T) {
	raw := &models.RawReading{
		DeviceID:    "",
		Voltage:     500.0,
		Current:     5.0,
		Power:       -3.0,
		PowerFactor: 2.0,
		Frequency:   50.0,
	}

	_, err := ValidateReading(raw, fixedNow)

	var verrs Errors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"deviceId", "voltage", "power", "powerFactor"}, verrs.Fields())
	assert.Contains(t, err.Error(), "voltage")
}

func TestValidateReading_AcceptsStringsAndJSONNumbers(t *testing.T) {
	raw := &models.RawReading{
		DeviceID:    "dev",
		Voltage:     "231.5",
		Current:     json.Number("4.2"),
		Power:       "900",
		PowerFactor: json.Number("0.9"),
		Frequency:   "60",
		Timestamp:   "2024-04-30T10:00:00Z",
		Source:      "operator",
	}

	reading, err := ValidateReading(raw, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, 231.5, reading.Voltage)
	assert.Equal(t, 4.2, reading.Current)
	assert.Equal(t, time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC), reading.Timestamp)
	assert.Equal(t, models.SourceOperator, reading.Source)
}

func TestValidateReading_UnixMillisTimestamp(t *testing.T) {
	raw := validRaw()
	raw.Timestamp = float64(fixedNow.Add(-time.Minute).UnixMilli())

	reading, err := ValidateReading(raw, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(-time.Minute), reading.Timestamp)
}

func TestValidateReading_Nil(t *testing.T) {
	_, err := ValidateReading(nil, fixedNow)
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		command  string
		value    interface{}
		fields   []string
	}{
		{name: "on", deviceID: "dev", command: "ON"},
		{name: "toggle with value", deviceID: "dev", command: "TOGGLE", value: 3.0},
		{name: "unknown command", deviceID: "dev", command: "INVALID", fields: []string{"command"}},
		{name: "lowercase command", deviceID: "dev", command: "off", fields: []string{"command"}},
		{name: "missing device", deviceID: "", command: "OFF", fields: []string{"deviceId"}},
		{name: "bad value", deviceID: "dev", command: "ON", value: "x", fields: []string{"value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := ValidateCommand(tt.deviceID, tt.command, tt.value)
			if tt.fields == nil {
				require.NoError(t, err)
				if tt.value != nil {
					require.NotNil(t, value)
					assert.Equal(t, tt.value, *value)
				}
				return
			}

			var verrs Errors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.fields, verrs.Fields())
		})
	}
}

func TestValidateAlert(t *testing.T) {
	assert.NoError(t, ValidateAlert("maintenance", "Check meter", ""))
	assert.NoError(t, ValidateAlert("maintenance", "Check meter", "high"))

	var verrs Errors
	require.True(t, errors.As(ValidateAlert("", "", "urgent"), &verrs))
	assert.Equal(t, []string{"type", "message", "priority"}, verrs.Fields())
}

func TestValidateStatus(t *testing.T) {
	assert.NoError(t, ValidateStatus("dev", "ON"))
	assert.Error(t, ValidateStatus("dev", "PENDING"))
	assert.Error(t, ValidateStatus("", "OFF"))
}
