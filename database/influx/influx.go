// Package influx implements the storage adapter on InfluxDB 2.x. Readings,
// commands, status and alerts are separate measurements tagged by device;
// queries are Flux with a pivot back into rows.
//
// The latest reading of each device is a second point in latest_reading,
// always written at latestSlotTime so each write replaces the previous one.
package influx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "influxdb"

const (
	measurementReading = "energy_reading"
	measurementCommand = "device_command"
	measurementStatus  = "device_status"
	measurementAlert   = "alert"
	measurementLatest  = "latest_reading"
)

// latestSlotTime is the fixed timestamp of latest_reading points. It lies in
// the future so bucket retention never drops it.
var latestSlotTime = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)

// Config holds the InfluxDB v2 endpoint
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Store is the InfluxDB backend
type Store struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

var _ database.Adapter = (*Store)(nil)

func New(cfg Config) *Store {
	return &Store{cfg: cfg, now: time.Now}
}

func (s *Store) Name() string { return backendName }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(10)
	client := influxdb2.NewClientWithOptions(s.cfg.URL, s.cfg.Token, opts)

	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("ping to %s failed", s.cfg.URL)
		}
		return &database.ConnectionError{Backend: backendName, Err: err}
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)
	s.queryAPI = client.QueryAPI(s.cfg.Org)
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return false
	}
	ok, err := client.Ping(ctx)
	return err == nil && ok
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	s.writeAPI = nil
	s.queryAPI = nil
	return nil
}

func (s *Store) apis(op string) (api.WriteAPIBlocking, api.QueryAPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return nil, nil, database.Wrap(backendName, op, database.ErrNotConnected)
	}
	return s.writeAPI, s.queryAPI, nil
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	w, _, err := s.apis("store reading")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := w.WritePoint(ctx, readingPoint(id, reading), latestPoint(id, reading)); err != nil {
		return "", database.Wrap(backendName, "store reading", err)
	}
	return id, nil
}

// latestPoint is the per-device latest slot. source is a field here so a
// device keeps a single series.
func latestPoint(id string, r *models.Reading) *write.Point {
	return write.NewPoint(measurementLatest,
		map[string]string{"deviceId": r.DeviceID},
		map[string]interface{}{
			"id":          id,
			"source":      string(r.Source),
			"ts":          r.Timestamp.UnixNano(),
			"voltage":     r.Voltage,
			"current":     r.Current,
			"power":       r.Power,
			"powerFactor": r.PowerFactor,
			"frequency":   r.Frequency,
		},
		latestSlotTime)
}

func readingPoint(id string, r *models.Reading) *write.Point {
	tags := map[string]string{
		"deviceId": r.DeviceID,
		"source":   string(r.Source),
	}
	fields := map[string]interface{}{
		"id":          id,
		"voltage":     r.Voltage,
		"current":     r.Current,
		"power":       r.Power,
		"powerFactor": r.PowerFactor,
		"frequency":   r.Frequency,
	}
	return write.NewPoint(measurementReading, tags, fields, r.Timestamp)
}

// GetLatestReading reads the latest slot, the reading written last
func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	_, q, err := s.apis("get latest reading")
	if err != nil {
		return nil, err
	}

	result, err := q.Query(ctx, latestReadingQuery(s.cfg.Bucket, deviceID))
	if err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}
	defer result.Close()

	var latest *models.Reading
	for result.Next() {
		if r, ok := latestFromValues(result.Record().Values()); ok {
			latest = &r
		}
	}
	if err := result.Err(); err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	return latest, nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	_, q, err := s.apis("get historical data")
	if err != nil {
		return nil, err
	}

	from, to := database.HistoryWindow(s.now(), hoursBack)
	flux := readingRangeQuery(s.cfg.Bucket, deviceID, from, to, true, database.HistoryLimit(limit))
	readings, err := s.queryReadings(ctx, q, flux)
	return readings, database.Wrap(backendName, "get historical data", err)
}

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
	_, q, err := s.apis("export energy data")
	if err != nil {
		return nil, err
	}
	// Flux rejects an empty range
	if start.After(end) {
		return []models.Reading{}, nil
	}

	readings, err := s.queryReadings(ctx, q, readingRangeQuery(s.cfg.Bucket, deviceID, start, end, false, 0))
	return readings, database.Wrap(backendName, "export energy data", err)
}

func (s *Store) queryReadings(ctx context.Context, q api.QueryAPI, flux string) ([]models.Reading, error) {
	result, err := q.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	readings := []models.Reading{}
	for result.Next() {
		if r, ok := readingFromValues(result.Record().Values()); ok {
			readings = append(readings, r)
		}
	}
	return readings, result.Err()
}

// SendDeviceCommand writes the command point; devices subscribe to the
// device_command measurement filtered by their tag.
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	w, _, err := s.apis("send device command")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	fields := map[string]interface{}{"id": id}
	if cmd.Value != nil {
		fields["value"] = *cmd.Value
	}
	point := write.NewPoint(measurementCommand, map[string]string{
		"deviceId": cmd.DeviceID,
		"command":  string(cmd.Command),
		"source":   string(cmd.Source),
	}, fields, cmd.Timestamp)

	if err := w.WritePoint(ctx, point); err != nil {
		return "", database.Wrap(backendName, "send device command", err)
	}
	return id, nil
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	_, q, err := s.apis("get device status")
	if err != nil {
		return nil, err
	}

	result, err := q.Query(ctx, latestStatusQuery(s.cfg.Bucket, deviceID))
	if err != nil {
		return nil, database.Wrap(backendName, "get device status", err)
	}
	defer result.Close()

	var status *models.DeviceStatus
	for result.Next() {
		rec := result.Record()
		if v, ok := rec.Value().(string); ok {
			status = &models.DeviceStatus{
				DeviceID:   deviceID,
				Status:     models.PowerState(v),
				LastUpdate: rec.Time(),
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, database.Wrap(backendName, "get device status", err)
	}
	if status == nil {
		return nil, database.ErrNotFound
	}
	return status, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	w, _, err := s.apis("update device status")
	if err != nil {
		return err
	}

	point := write.NewPoint(measurementStatus,
		map[string]string{"deviceId": status.DeviceID},
		map[string]interface{}{"status": string(status.Status)},
		status.LastUpdate)
	return database.Wrap(backendName, "update device status", w.WritePoint(ctx, point))
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	w, _, err := s.apis("create alert")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := w.WritePoint(ctx, alertPoint(id, alert)); err != nil {
		return "", database.Wrap(backendName, "create alert", err)
	}
	return id, nil
}

func alertPoint(id string, a *models.Alert) *write.Point {
	tags := map[string]string{
		"type":     a.Type,
		"priority": string(a.Priority),
		"resolved": fmt.Sprintf("%t", a.Resolved),
	}
	if a.DeviceID != "" {
		tags["deviceId"] = a.DeviceID
	}
	return write.NewPoint(measurementAlert, tags,
		map[string]interface{}{"id": id, "message": a.Message}, a.Timestamp)
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	_, q, err := s.apis("get alerts")
	if err != nil {
		return nil, err
	}

	result, err := q.Query(ctx, alertsQuery(s.cfg.Bucket, resolved, database.AlertLimit(limit)))
	if err != nil {
		return nil, database.Wrap(backendName, "get alerts", err)
	}
	defer result.Close()

	alerts := []models.Alert{}
	for result.Next() {
		if a, ok := alertFromValues(result.Record().Values()); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts, database.Wrap(backendName, "get alerts", result.Err())
}

// fluxString quotes s as a Flux string literal
func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
	return `"` + r.Replace(s) + `"`
}

func readingRangeQuery(bucket, deviceID string, start, end time.Time, desc bool, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	// stop is exclusive in Flux
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		start.UTC().Format(time.RFC3339Nano), end.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r.deviceId == %s)\n", measurementReading, fluxString(deviceID))
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> group()\n")
	fmt.Fprintf(&b, "  |> sort(columns: [\"_time\"], desc: %t)\n", desc)
	if limit > 0 {
		fmt.Fprintf(&b, "  |> limit(n: %d)\n", limit)
	}
	return b.String()
}

func latestReadingQuery(bucket, deviceID string) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.deviceId == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
`, fluxString(bucket),
		latestSlotTime.Format(time.RFC3339Nano), latestSlotTime.Add(time.Nanosecond).Format(time.RFC3339Nano),
		measurementLatest, fluxString(deviceID))
}

func latestStatusQuery(bucket, deviceID string) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q and r.deviceId == %s and r._field == "status")
  |> group()
  |> last()
`, fluxString(bucket), measurementStatus, fluxString(deviceID))
}

func alertsQuery(bucket string, resolved bool, limit int) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q and r.resolved == "%t")
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, fluxString(bucket), measurementAlert, resolved, limit)
}

func readingFromValues(values map[string]interface{}) (models.Reading, bool) {
	var r models.Reading

	ts, ok := values["_time"].(time.Time)
	if !ok {
		return r, false
	}
	r.Timestamp = ts
	r.ID, _ = values["id"].(string)
	r.DeviceID, _ = values["deviceId"].(string)
	if src, ok := values["source"].(string); ok {
		r.Source = models.ReadingSource(src)
	}
	r.Voltage = floatValue(values["voltage"])
	r.Current = floatValue(values["current"])
	r.Power = floatValue(values["power"])
	r.PowerFactor = floatValue(values["powerFactor"])
	r.Frequency = floatValue(values["frequency"])

	return r, r.DeviceID != ""
}

// latestFromValues reads a latest slot row; the reading time is in ts
func latestFromValues(values map[string]interface{}) (models.Reading, bool) {
	r, ok := readingFromValues(values)
	if !ok {
		return r, false
	}
	ts, ok := values["ts"].(int64)
	if !ok {
		return r, false
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	return r, true
}

func alertFromValues(values map[string]interface{}) (models.Alert, bool) {
	var a models.Alert

	ts, ok := values["_time"].(time.Time)
	if !ok {
		return a, false
	}
	a.Timestamp = ts
	a.ID, _ = values["id"].(string)
	a.Type, _ = values["type"].(string)
	a.Message, _ = values["message"].(string)
	a.DeviceID, _ = values["deviceId"].(string)
	if p, ok := values["priority"].(string); ok {
		a.Priority = models.AlertPriority(p)
	}
	a.Resolved = values["resolved"] == "true"

	return a, a.Type != ""
}

func floatValue(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}
