// Package database defines the storage contract shared by every backend.
//
// Each backend lives in its own sub-package and implements Adapter; the
// orchestrator and the HTTP layer only ever see the interface.
package database

import (
	"context"
	"time"

	"github.com/Daniel865692/energy-management-platform/models"
)

//go:generate mockgen -destination=mock_adapter.go -package=database github.com/Daniel865692/energy-management-platform/database Adapter

// MaxHistoryHours caps history queries. Callers enforce it, adapters do not.
const MaxHistoryHours = 168

// Adapter is the uniform storage contract for readings, commands, device
// status and alerts.
type Adapter interface {
	// Name returns the backend selector, e.g. "postgres" or "influxdb".
	Name() string

	// Connect establishes the backend session. Calling it on a connected
	// adapter is a no-op.
	Connect(ctx context.Context) error
	// HealthCheck is a cheap liveness check; failures collapse to false.
	HealthCheck(ctx context.Context) bool
	// Disconnect releases backend resources. Safe when never connected.
	Disconnect(ctx context.Context) error

	// StoreReading persists a reading and overwrites the device's latest slot.
	StoreReading(ctx context.Context, reading *models.Reading) (string, error)
	GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error)
	// GetHistoricalData returns readings newer than hoursBack, newest first,
	// truncated to limit.
	GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error)
	GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error)
	// ExportEnergyData returns readings with start <= timestamp <= end, oldest first.
	ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error)

	// SendDeviceCommand persists the command and relays it toward the device.
	SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error)
	GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error)
	UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error

	CreateAlert(ctx context.Context, alert *models.Alert) (string, error)
	// GetAlerts returns alerts matching the resolved flag, newest first.
	GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error)
}

// CommandQueue is implemented by backends that keep sent commands where a
// polling device can fetch them.
type CommandQueue interface {
	// PendingCommands returns the commands issued to a device after since,
	// oldest first.
	PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error)
}
