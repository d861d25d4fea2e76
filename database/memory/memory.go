// Package memory is an in-process storage backend. It keeps everything in maps
// guarded by one RWMutex and optionally plays the device side of the command
// loop, confirming each command with a status update.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "memory"

// ConfirmFunc is notified after the simulated device confirmed a command
type ConfirmFunc func(ctx context.Context, status *models.DeviceStatus)

// Options configures a Store
type Options struct {
	// AutoConfirm applies each command to the device status as a device would
	AutoConfirm bool
	// Now overrides the clock used for confirmations and query windows
	Now func() time.Time
}

// Store is the memory backend
type Store struct {
	opts Options

	mu        sync.RWMutex
	connected bool
	readings  map[string][]models.Reading
	latest    map[string]models.Reading
	commands  map[string][]models.DeviceCommand
	statuses  map[string]models.DeviceStatus
	alerts    []models.Alert

	onConfirm ConfirmFunc
}

var (
	_ database.Adapter      = (*Store)(nil)
	_ database.CommandQueue = (*Store)(nil)
)

// New creates an empty store
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:     opts,
		readings: make(map[string][]models.Reading),
		latest:   make(map[string]models.Reading),
		commands: make(map[string][]models.DeviceCommand),
		statuses: make(map[string]models.DeviceStatus),
	}
}

// OnConfirm registers the callback run after an auto-confirmed command
func (s *Store) OnConfirm(fn ConfirmFunc) {
	s.mu.Lock()
	s.onConfirm = fn
	s.mu.Unlock()
}

func (s *Store) Name() string { return backendName }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Disconnect keeps the data; a later Connect sees the same contents
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", database.Wrap(backendName, "store reading", database.ErrNotConnected)
	}

	stored := *reading
	stored.ID = uuid.NewString()
	s.readings[stored.DeviceID] = append(s.readings[stored.DeviceID], stored)
	s.latest[stored.DeviceID] = stored

	return stored.ID, nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "get latest reading", database.ErrNotConnected)
	}

	reading, ok := s.latest[deviceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &reading, nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "get historical data", database.ErrNotConnected)
	}

	from, to := database.HistoryWindow(s.opts.Now(), hoursBack)
	out := database.FilterRange(s.readings[deviceID], from, to)
	database.NewestFirst(out)
	return database.Truncate(out, database.HistoryLimit(limit)), nil
}

func (s *Store) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	window, err := database.PeriodWindow(period)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "get energy statistics", database.ErrNotConnected)
	}

	to := s.opts.Now()
	return database.ComputeStatistics(deviceID, period, to.Add(-window), to, s.readings[deviceID]), nil
}

func (s *Store) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "export energy data", database.ErrNotConnected)
	}

	out := database.FilterRange(s.readings[deviceID], start, end)
	database.OldestFirst(out)
	return out, nil
}

func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	s.mu.Lock()

	if !s.connected {
		s.mu.Unlock()
		return "", database.Wrap(backendName, "send device command", database.ErrNotConnected)
	}

	stored := *cmd
	stored.ID = uuid.NewString()
	s.commands[stored.DeviceID] = append(s.commands[stored.DeviceID], stored)

	var confirmed *models.DeviceStatus
	if s.opts.AutoConfirm {
		status := models.DeviceStatus{
			DeviceID:   stored.DeviceID,
			Status:     nextState(s.statuses[stored.DeviceID].Status, stored.Command),
			LastUpdate: s.opts.Now(),
		}
		s.statuses[stored.DeviceID] = status
		confirmed = &status
	}
	notify := s.onConfirm
	s.mu.Unlock()

	if confirmed != nil && notify != nil {
		notify(ctx, confirmed)
	}

	return stored.ID, nil
}

// nextState applies a command to the current state. An unknown state counts as OFF.
func nextState(current models.PowerState, cmd models.CommandType) models.PowerState {
	switch cmd {
	case models.CommandOn:
		return models.StateOn
	case models.CommandOff:
		return models.StateOff
	}
	if current == models.StateOn {
		return models.StateOff
	}
	return models.StateOn
}

func (s *Store) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "pending commands", database.ErrNotConnected)
	}

	out := []models.DeviceCommand{}
	for _, c := range s.commands[deviceID] {
		if c.Timestamp.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "get device status", database.ErrNotConnected)
	}

	status, ok := s.statuses[deviceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &status, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return database.Wrap(backendName, "update device status", database.ErrNotConnected)
	}

	s.statuses[status.DeviceID] = *status
	return nil
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", database.Wrap(backendName, "create alert", database.ErrNotConnected)
	}

	stored := *alert
	stored.ID = uuid.NewString()
	s.alerts = append(s.alerts, stored)
	return stored.ID, nil
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, database.Wrap(backendName, "get alerts", database.ErrNotConnected)
	}

	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.Resolved == resolved {
			out = append(out, a)
		}
	}
	database.NewestAlertsFirst(out)
	return database.TruncateAlerts(out, database.AlertLimit(limit)), nil
}
