package sqlstore

import (
	"strconv"
	"strings"
)

// dialect captures what differs between the relational engines
type dialect struct {
	name   string
	driver string
	schema []string
	// upsertLatest and upsertStatus are full statements written with ? placeholders
	upsertLatest string
	upsertStatus string
	// maxOpen bounds the pool; sqlite needs a single connection
	maxOpen int
	dollar  bool
}

// rebind rewrites ? placeholders into $n for engines that need it
func (d *dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const readingColumns = "id, device_id, voltage, current_amps, power, power_factor, frequency, recorded_at, source"

const upsertLatestConflict = `
	INSERT INTO latest_readings (device_id, id, voltage, current_amps, power, power_factor, frequency, recorded_at, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (device_id) DO UPDATE SET
		id = excluded.id,
		voltage = excluded.voltage,
		current_amps = excluded.current_amps,
		power = excluded.power,
		power_factor = excluded.power_factor,
		frequency = excluded.frequency,
		recorded_at = excluded.recorded_at,
		source = excluded.source
`

const upsertStatusConflict = `
	INSERT INTO device_status (device_id, status, last_update)
	VALUES (?, ?, ?)
	ON CONFLICT (device_id) DO UPDATE SET
		status = excluded.status,
		last_update = excluded.last_update
`

var postgresDialect = &dialect{
	name:   "postgres",
	driver: "postgres",
	dollar: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS energy_readings (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			voltage DOUBLE PRECISION NOT NULL,
			current_amps DOUBLE PRECISION NOT NULL,
			power DOUBLE PRECISION NOT NULL,
			power_factor DOUBLE PRECISION NOT NULL,
			frequency DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			source VARCHAR(16) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_energy_readings_device_time ON energy_readings (device_id, recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS latest_readings (
			device_id VARCHAR(128) PRIMARY KEY,
			id VARCHAR(36) NOT NULL,
			voltage DOUBLE PRECISION NOT NULL,
			current_amps DOUBLE PRECISION NOT NULL,
			power DOUBLE PRECISION NOT NULL,
			power_factor DOUBLE PRECISION NOT NULL,
			frequency DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			source VARCHAR(16) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			command VARCHAR(16) NOT NULL,
			value DOUBLE PRECISION,
			issued_at TIMESTAMPTZ NOT NULL,
			source VARCHAR(16) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_commands_device ON device_commands (device_id, issued_at DESC)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id VARCHAR(128) PRIMARY KEY,
			status VARCHAR(8) NOT NULL,
			last_update TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(36) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			priority VARCHAR(8) NOT NULL,
			device_id VARCHAR(128),
			raised_at TIMESTAMPTZ NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved_time ON alerts (resolved, raised_at DESC)`,
	},
	upsertLatest: upsertLatestConflict,
	upsertStatus: upsertStatusConflict,
	maxOpen:      25,
}

var mysqlDialect = &dialect{
	name:   "mysql",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS energy_readings (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			voltage DOUBLE NOT NULL,
			current_amps DOUBLE NOT NULL,
			power DOUBLE NOT NULL,
			power_factor DOUBLE NOT NULL,
			frequency DOUBLE NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			source VARCHAR(16) NOT NULL,
			INDEX idx_energy_readings_device_time (device_id, recorded_at)
		)`,
		`CREATE TABLE IF NOT EXISTS latest_readings (
			device_id VARCHAR(128) PRIMARY KEY,
			id VARCHAR(36) NOT NULL,
			voltage DOUBLE NOT NULL,
			current_amps DOUBLE NOT NULL,
			power DOUBLE NOT NULL,
			power_factor DOUBLE NOT NULL,
			frequency DOUBLE NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			source VARCHAR(16) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			command VARCHAR(16) NOT NULL,
			value DOUBLE NULL,
			issued_at DATETIME(6) NOT NULL,
			source VARCHAR(16) NOT NULL,
			INDEX idx_device_commands_device (device_id, issued_at)
		)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id VARCHAR(128) PRIMARY KEY,
			status VARCHAR(8) NOT NULL,
			last_update DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(36) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			priority VARCHAR(8) NOT NULL,
			device_id VARCHAR(128) NULL,
			raised_at DATETIME(6) NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_alerts_resolved_time (resolved, raised_at)
		)`,
	},
	upsertLatest: `
		INSERT INTO latest_readings (device_id, id, voltage, current_amps, power, power_factor, frequency, recorded_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = VALUES(id),
			voltage = VALUES(voltage),
			current_amps = VALUES(current_amps),
			power = VALUES(power),
			power_factor = VALUES(power_factor),
			frequency = VALUES(frequency),
			recorded_at = VALUES(recorded_at),
			source = VALUES(source)
	`,
	upsertStatus: `
		INSERT INTO device_status (device_id, status, last_update)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			last_update = VALUES(last_update)
	`,
	maxOpen: 25,
}

var sqliteDialect = &dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS energy_readings (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			voltage REAL NOT NULL,
			current_amps REAL NOT NULL,
			power REAL NOT NULL,
			power_factor REAL NOT NULL,
			frequency REAL NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_energy_readings_device_time ON energy_readings (device_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS latest_readings (
			device_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			voltage REAL NOT NULL,
			current_amps REAL NOT NULL,
			power REAL NOT NULL,
			power_factor REAL NOT NULL,
			frequency REAL NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			command TEXT NOT NULL,
			value REAL,
			issued_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_update TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			priority TEXT NOT NULL,
			device_id TEXT,
			raised_at TIMESTAMP NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved_time ON alerts (resolved, raised_at)`,
	},
	upsertLatest: upsertLatestConflict,
	upsertStatus: upsertStatusConflict,
	maxOpen:      1,
}
