package models

import (
	"time"
)

// ReadingSource identifies who produced a reading
type ReadingSource string

const (
	SourceDevice   ReadingSource = "device"
	SourceOperator ReadingSource = "operator"
)

// CommandType is an instruction understood by field devices
type CommandType string

const (
	CommandOn     CommandType = "ON"
	CommandOff    CommandType = "OFF"
	CommandToggle CommandType = "TOGGLE"
)

// CommandSource identifies who issued a command
type CommandSource string

const (
	CommandSourceOperator   CommandSource = "operator"
	CommandSourceAutomation CommandSource = "automation"
)

// PowerState is the operational state of a device
type PowerState string

const (
	StateOn  PowerState = "ON"
	StateOff PowerState = "OFF"
)

// AlertPriority ranks alerts for operators
type AlertPriority string

const (
	PriorityLow    AlertPriority = "low"
	PriorityMedium AlertPriority = "medium"
	PriorityHigh   AlertPriority = "high"
)

// Alert types raised by the anomaly detector. Operators may use any other string.
const (
	AlertHighConsumption = "high_consumption"
	AlertVoltageAnomaly  = "voltage_anomaly"
	AlertPowerFactor     = "power_factor"
)

// StatsPeriod selects the aggregation window for energy statistics
type StatsPeriod string

const (
	PeriodDay   StatsPeriod = "day"
	PeriodWeek  StatsPeriod = "week"
	PeriodMonth StatsPeriod = "month"
)

// Reading represents a single validated telemetry sample
type Reading struct {
	ID          string        `json:"id,omitempty" db:"id"`
	DeviceID    string        `json:"deviceId" db:"device_id"`
	Voltage     float64       `json:"voltage" db:"voltage"`
	Current     float64       `json:"current" db:"current"`
	Power       float64       `json:"power" db:"power"`
	PowerFactor float64       `json:"powerFactor" db:"power_factor"`
	Frequency   float64       `json:"frequency" db:"frequency"`
	Timestamp   time.Time     `json:"timestamp" db:"timestamp"`
	Source      ReadingSource `json:"source" db:"source"`
}

// RawReading is an unvalidated reading as it arrives from HTTP, Kafka or MQTT.
// Numeric fields may hold JSON numbers or numeric strings.
type RawReading struct {
	DeviceID    interface{} `json:"deviceId"`
	Voltage     interface{} `json:"voltage"`
	Current     interface{} `json:"current"`
	Power       interface{} `json:"power"`
	PowerFactor interface{} `json:"powerFactor"`
	Frequency   interface{} `json:"frequency"`
	Timestamp   interface{} `json:"timestamp,omitempty"`
	Source      string      `json:"source,omitempty"`
}

// DeviceCommand represents an instruction sent to one device
type DeviceCommand struct {
	ID        string        `json:"id,omitempty" db:"id"`
	DeviceID  string        `json:"deviceId" db:"device_id"`
	Command   CommandType   `json:"command" db:"command"`
	Value     *float64      `json:"value,omitempty" db:"value"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	Source    CommandSource `json:"source" db:"source"`
}

// DeviceStatus is the last known operational state of a device
type DeviceStatus struct {
	DeviceID   string     `json:"deviceId" db:"device_id"`
	Status     PowerState `json:"status" db:"status"`
	LastUpdate time.Time  `json:"lastUpdate" db:"last_update"`
}

// Alert represents a detected anomaly or an operator-raised notice
type Alert struct {
	ID        string        `json:"id,omitempty" db:"id"`
	Type      string        `json:"type" db:"type"`
	Message   string        `json:"message" db:"message"`
	Priority  AlertPriority `json:"priority" db:"priority"`
	DeviceID  string        `json:"deviceId,omitempty" db:"device_id"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	Resolved  bool          `json:"resolved" db:"resolved"`
}

// EnergyStatistics represents aggregated consumption over a period
type EnergyStatistics struct {
	DeviceID     string      `json:"deviceId"`
	Period       StatsPeriod `json:"period"`
	From         time.Time   `json:"from"`
	To           time.Time   `json:"to"`
	TotalEnergy  float64     `json:"totalEnergy"`
	AveragePower float64     `json:"averagePower"`
	MaxPower     float64     `json:"maxPower"`
	MinPower     float64     `json:"minPower"`
	ReadingCount int64       `json:"readingCount"`
}

// BufferedSample is a chart point kept in the live ring buffer
type BufferedSample struct {
	Timestamp time.Time `json:"timestamp"`
	Power     float64   `json:"power"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
}

// WebSocketMessage represents a message sent to WebSocket clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	DeviceID  string      `json:"deviceId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// AnomalyThresholds defines thresholds for anomaly detection
type AnomalyThresholds struct {
	HighConsumptionPower float64 `json:"high_consumption_power" yaml:"high_consumption_power"`
	VoltageMin           float64 `json:"voltage_min" yaml:"voltage_min"`
	VoltageMax           float64 `json:"voltage_max" yaml:"voltage_max"`
	PowerFactorMin       float64 `json:"power_factor_min" yaml:"power_factor_min"`
}

// DefaultAnomalyThresholds returns the factory thresholds
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		HighConsumptionPower: 3.5,
		VoltageMin:           200,
		VoltageMax:           250,
		PowerFactorMin:       0.8,
	}
}

// Valid reports whether the command is one of the supported instructions
func (c CommandType) Valid() bool {
	switch c {
	case CommandOn, CommandOff, CommandToggle:
		return true
	}
	return false
}

// Valid reports whether the priority is a known level
func (p AlertPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Valid reports whether the period is supported
func (p StatsPeriod) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Sample converts a reading into a chart point
func (r *Reading) Sample() BufferedSample {
	return BufferedSample{
		Timestamp: r.Timestamp,
		Power:     r.Power,
		Voltage:   r.Voltage,
		Current:   r.Current,
	}
}
