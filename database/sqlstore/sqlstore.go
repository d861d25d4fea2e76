// Package sqlstore implements the storage adapter on database/sql for
// PostgreSQL (lib/pq), MySQL (go-sql-driver/mysql) and SQLite (mattn/go-sqlite3).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

// Store is a relational storage backend
type Store struct {
	dialect *dialect
	dsn     string
	now     func() time.Time

	mu sync.RWMutex
	db *sql.DB
}

var (
	_ database.Adapter      = (*Store)(nil)
	_ database.CommandQueue = (*Store)(nil)
)

// NewPostgres creates a store for a lib/pq connection string
func NewPostgres(dsn string) *Store {
	return &Store{dialect: postgresDialect, dsn: dsn, now: time.Now}
}

// NewMySQL creates a store for a go-sql-driver DSN. Time parsing is forced on
// so DATETIME columns scan into time.Time.
func NewMySQL(dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	return &Store{dialect: mysqlDialect, dsn: cfg.FormatDSN(), now: time.Now}, nil
}

// NewSQLite creates a store for a database file, or ":memory:"
func NewSQLite(path string) *Store {
	return &Store{dialect: sqliteDialect, dsn: path, now: time.Now}
}

func (s *Store) Name() string { return s.dialect.name }

// Connect opens the pool, verifies it and creates missing tables
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return &database.ConnectionError{Backend: s.dialect.name, Err: fmt.Errorf("failed to open database: %w", err)}
	}

	db.SetMaxOpenConns(s.dialect.maxOpen)
	db.SetMaxIdleConns(s.dialect.maxOpen)
	if s.dialect.maxOpen > 1 {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &database.ConnectionError{Backend: s.dialect.name, Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	for _, stmt := range s.dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return &database.ConnectionError{Backend: s.dialect.name, Err: fmt.Errorf("failed to apply schema: %w", err)}
		}
	}

	s.db = db
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	db := s.conn()
	if db == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx) == nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) session(op string) (*sql.DB, error) {
	db := s.conn()
	if db == nil {
		return nil, database.Wrap(s.dialect.name, op, database.ErrNotConnected)
	}
	return db, nil
}

func (s *Store) wrap(op string, err error) error {
	return database.Wrap(s.dialect.name, op, err)
}

// StoreReading inserts the reading and overwrites the latest slot in one transaction
func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	db, err := s.session("store reading")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	ts := reading.Timestamp.UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.wrap("store reading", err)
	}
	defer tx.Rollback()

	insert := s.dialect.rebind(`INSERT INTO energy_readings (` + readingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, id, reading.DeviceID, reading.Voltage, reading.Current,
		reading.Power, reading.PowerFactor, reading.Frequency, ts, string(reading.Source)); err != nil {
		return "", s.wrap("store reading", fmt.Errorf("failed to insert reading: %w", err))
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertLatest), reading.DeviceID, id, reading.Voltage,
		reading.Current, reading.Power, reading.PowerFactor, reading.Frequency, ts, string(reading.Source)); err != nil {
		return "", s.wrap("store reading", fmt.Errorf("failed to update latest reading: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return "", s.wrap("store reading", err)
	}
	return id, nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	db, err := s.session("get latest reading")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`SELECT ` + readingColumns + ` FROM latest_readings WHERE device_id = ?`)

	var r models.Reading
	var source string
	err = db.QueryRowContext(ctx, query, deviceID).Scan(&r.ID, &r.DeviceID, &r.Voltage, &r.Current,
		&r.Power, &r.PowerFactor, &r.Frequency, &r.Timestamp, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get latest reading", err)
	}

	r.Source = models.ReadingSource(source)
	return &r, nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	db, err := s.session("get historical data")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`
		SELECT ` + readingColumns + `
		FROM energy_readings
		WHERE device_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`)

	from, to := database.HistoryWindow(s.now(), hoursBack)
	rows, err := db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC(), database.HistoryLimit(limit))
	if err != nil {
		return nil, s.wrap("get historical data", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	return readings, s.wrap("get historical data", err)
}

// GetEnergyStatistics loads the window and integrates it in process
func (s *Store) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	window, err := database.PeriodWindow(period)
	if err != nil {
		return nil, err
	}

	to := s.now()
	from := to.Add(-window)

	readings, err := s.ExportEnergyData(ctx, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	return database.ComputeStatistics(deviceID, period, from, to, readings), nil
}

func (s *Store) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	db, err := s.session("export energy data")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`
		SELECT ` + readingColumns + `
		FROM energy_readings
		WHERE device_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at ASC
	`)

	rows, err := db.QueryContext(ctx, query, deviceID, start.UTC(), end.UTC())
	if err != nil {
		return nil, s.wrap("export energy data", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	return readings, s.wrap("export energy data", err)
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	readings := []models.Reading{}
	for rows.Next() {
		var r models.Reading
		var source string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Voltage, &r.Current, &r.Power,
			&r.PowerFactor, &r.Frequency, &r.Timestamp, &source); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Source = models.ReadingSource(source)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SendDeviceCommand appends to device_commands, which devices poll as their mailbox
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	db, err := s.session("send device command")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := s.dialect.rebind(`
		INSERT INTO device_commands (id, device_id, command, value, issued_at, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	if _, err := db.ExecContext(ctx, query, id, cmd.DeviceID, string(cmd.Command), cmd.Value,
		cmd.Timestamp.UTC(), string(cmd.Source)); err != nil {
		return "", s.wrap("send device command", fmt.Errorf("failed to insert command: %w", err))
	}
	return id, nil
}

// PendingCommands returns the commands issued to a device after since, oldest first
func (s *Store) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	db, err := s.session("pending commands")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`
		SELECT id, device_id, command, value, issued_at, source
		FROM device_commands
		WHERE device_id = ? AND issued_at > ?
		ORDER BY issued_at ASC
	`)

	rows, err := db.QueryContext(ctx, query, deviceID, since.UTC())
	if err != nil {
		return nil, s.wrap("pending commands", err)
	}
	defer rows.Close()

	commands := []models.DeviceCommand{}
	for rows.Next() {
		var c models.DeviceCommand
		var command, source string
		var value sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.DeviceID, &command, &value, &c.Timestamp, &source); err != nil {
			return nil, s.wrap("pending commands", fmt.Errorf("failed to scan command: %w", err))
		}
		c.Command = models.CommandType(command)
		c.Source = models.CommandSource(source)
		if value.Valid {
			v := value.Float64
			c.Value = &v
		}
		commands = append(commands, c)
	}
	return commands, s.wrap("pending commands", rows.Err())
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	db, err := s.session("get device status")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`SELECT device_id, status, last_update FROM device_status WHERE device_id = ?`)

	var st models.DeviceStatus
	var status string
	err = db.QueryRowContext(ctx, query, deviceID).Scan(&st.DeviceID, &status, &st.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get device status", err)
	}

	st.Status = models.PowerState(status)
	return &st, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	db, err := s.session("update device status")
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertStatus),
		status.DeviceID, string(status.Status), status.LastUpdate.UTC())
	return s.wrap("update device status", err)
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	db, err := s.session("create alert")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := s.dialect.rebind(`
		INSERT INTO alerts (id, type, message, priority, device_id, raised_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	deviceID := sql.NullString{String: alert.DeviceID, Valid: alert.DeviceID != ""}
	if _, err := db.ExecContext(ctx, query, id, alert.Type, alert.Message, string(alert.Priority),
		deviceID, alert.Timestamp.UTC(), alert.Resolved); err != nil {
		return "", s.wrap("create alert", fmt.Errorf("failed to insert alert: %w", err))
	}
	return id, nil
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	db, err := s.session("get alerts")
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`
		SELECT id, type, message, priority, device_id, raised_at, resolved
		FROM alerts
		WHERE resolved = ?
		ORDER BY raised_at DESC
		LIMIT ?
	`)

	rows, err := db.QueryContext(ctx, query, resolved, database.AlertLimit(limit))
	if err != nil {
		return nil, s.wrap("get alerts", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var a models.Alert
		var priority string
		var deviceID sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Message, &priority, &deviceID, &a.Timestamp, &a.Resolved); err != nil {
			return nil, s.wrap("get alerts", fmt.Errorf("failed to scan alert: %w", err))
		}
		a.Priority = models.AlertPriority(priority)
		a.DeviceID = deviceID.String
		alerts = append(alerts, a)
	}
	return alerts, s.wrap("get alerts", rows.Err())
}
