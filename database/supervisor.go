package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Daniel865692/energy-management-platform/models"
)

// State is the connection state reported by a Supervisor
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateRetrying     State = "retrying"
	StateFailed       State = "failed"
)

// SupervisorConfig holds the reconnection policy
type SupervisorConfig struct {
	HealthInterval time.Duration
	BaseDelay      time.Duration
	MaxRetries     int
}

// Supervisor owns the connection of a wrapped adapter. It checks the backend
// periodically and reconnects with a linear backoff (BaseDelay × attempt).
// After MaxRetries failed attempts the backend stays failed until restart.
//
// While the backend is not connected every data operation fails fast with a
// StorageError wrapping ErrUnavailable. Nothing is queued.
type Supervisor struct {
	adapter Adapter
	cfg     SupervisorConfig

	mu       sync.RWMutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}

	wake chan struct{}
}

var _ Adapter = (*Supervisor)(nil)

// NewSupervisor wraps adapter. Zero config values fall back to 30s, 5s and 5 retries.
func NewSupervisor(adapter Adapter, cfg SupervisorConfig) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	return &Supervisor{
		adapter: adapter,
		cfg:     cfg,
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
	}
}

// Start connects the wrapped adapter and launches the health loop. A failure
// here is returned as a *ConnectionError and the loop is not started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	if err := s.adapter.Connect(ctx); err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return err
		}
		return &ConnectionError{Backend: s.adapter.Name(), Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConnected
	s.attempts = 0

	go s.run(runCtx, s.done)

	log.Printf("Connected to %s storage backend", s.adapter.Name())
	return nil
}

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempts returns the number of reconnection attempts since the last success
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func (s *Supervisor) setState(state State, attempts int) {
	s.mu.Lock()
	s.state = state
	s.attempts = attempts
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		if s.adapter.HealthCheck(ctx) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.Printf("Health check failed for %s storage backend, reconnecting", s.adapter.Name())
		if !s.recover(ctx) {
			return
		}
	}
}

// recover retries the connection. It returns false when the supervisor gave up
// or was stopped.
func (s *Supervisor) recover(ctx context.Context) bool {
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.setState(StateRetrying, attempt)

		delay := s.cfg.BaseDelay * time.Duration(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if err := s.adapter.Disconnect(ctx); err != nil {
			log.Printf("Error closing %s before reconnect: %v", s.adapter.Name(), err)
		}
		if err := s.adapter.Connect(ctx); err != nil {
			log.Printf("Reconnect attempt %d/%d to %s failed: %v", attempt, s.cfg.MaxRetries, s.adapter.Name(), err)
			continue
		}
		if !s.adapter.HealthCheck(ctx) {
			log.Printf("Reconnect attempt %d/%d to %s is unhealthy", attempt, s.cfg.MaxRetries, s.adapter.Name())
			continue
		}

		s.setState(StateConnected, 0)
		log.Printf("Reconnected to %s storage backend after %d attempt(s)", s.adapter.Name(), attempt)
		return true
	}

	s.setState(StateFailed, s.cfg.MaxRetries)
	log.Printf("Giving up on %s storage backend after %d attempts, restart required", s.adapter.Name(), s.cfg.MaxRetries)
	return false
}

// nudge asks the health loop for an immediate check
func (s *Supervisor) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) available(op string) error {
	if state := s.State(); state != StateConnected {
		return &StorageError{
			Backend: s.adapter.Name(),
			Op:      op,
			Err:     fmt.Errorf("%w (%s)", ErrUnavailable, state),
		}
	}
	return nil
}

// observe annotates a backend error and schedules a health check for anything other than absence
func (s *Supervisor) observe(op string, err error) error {
	if err == nil {
		return nil
	}
	if !IsNotFound(err) && !errors.Is(err, context.Canceled) {
		log.Printf("Storage error on %s during %s: %v", s.adapter.Name(), op, err)
		s.nudge()
	}
	return Wrap(s.adapter.Name(), op, err)
}

func (s *Supervisor) Name() string {
	return s.adapter.Name()
}

// Connect is Start
func (s *Supervisor) Connect(ctx context.Context) error {
	return s.Start(ctx)
}

func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	if s.State() != StateConnected {
		return false
	}
	return s.adapter.HealthCheck(ctx)
}

// Disconnect stops the health loop and releases the backend
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.setState(StateDisconnected, 0)
	return s.adapter.Disconnect(ctx)
}

func (s *Supervisor) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	if err := s.available("store reading"); err != nil {
		return "", err
	}
	id, err := s.adapter.StoreReading(ctx, reading)
	return id, s.observe("store reading", err)
}

func (s *Supervisor) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	if err := s.available("get latest reading"); err != nil {
		return nil, err
	}
	reading, err := s.adapter.GetLatestReading(ctx, deviceID)
	return reading, s.observe("get latest reading", err)
}

func (s *Supervisor) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	if err := s.available("get historical data"); err != nil {
		return nil, err
	}
	readings, err := s.adapter.GetHistoricalData(ctx, deviceID, hoursBack, HistoryLimit(limit))
	return readings, s.observe("get historical data", err)
}

func (s *Supervisor) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	if err := s.available("get energy statistics"); err != nil {
		return nil, err
	}
	stats, err := s.adapter.GetEnergyStatistics(ctx, deviceID, period)
	return stats, s.observe("get energy statistics", err)
}

func (s *Supervisor) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if err := s.available("export energy data"); err != nil {
		return nil, err
	}
	readings, err := s.adapter.ExportEnergyData(ctx, deviceID, start, end)
	return readings, s.observe("export energy data", err)
}

func (s *Supervisor) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	if err := s.available("send device command"); err != nil {
		return "", err
	}
	id, err := s.adapter.SendDeviceCommand(ctx, cmd)
	return id, s.observe("send device command", err)
}

func (s *Supervisor) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	if err := s.available("get device status"); err != nil {
		return nil, err
	}
	status, err := s.adapter.GetDeviceStatus(ctx, deviceID)
	return status, s.observe("get device status", err)
}

func (s *Supervisor) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	if err := s.available("update device status"); err != nil {
		return err
	}
	return s.observe("update device status", s.adapter.UpdateDeviceStatus(ctx, status))
}

func (s *Supervisor) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	if err := s.available("create alert"); err != nil {
		return "", err
	}
	id, err := s.adapter.CreateAlert(ctx, alert)
	return id, s.observe("create alert", err)
}

func (s *Supervisor) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	if err := s.available("get alerts"); err != nil {
		return nil, err
	}
	alerts, err := s.adapter.GetAlerts(ctx, resolved, AlertLimit(limit))
	return alerts, s.observe("get alerts", err)
}

// PendingCommands serves the command queue of backends that keep one
func (s *Supervisor) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	queue, ok := s.adapter.(CommandQueue)
	if !ok {
		return nil, fmt.Errorf("%w: %s keeps no command queue", ErrNotSupported, s.adapter.Name())
	}
	if err := s.available("pending commands"); err != nil {
		return nil, err
	}
	commands, err := queue.PendingCommands(ctx, deviceID, since)
	return commands, s.observe("pending commands", err)
}
