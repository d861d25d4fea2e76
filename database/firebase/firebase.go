// Package firebase implements the storage adapter on the Firebase Realtime
// Database through the Admin SDK.
//
// Layout:
//
//	energy_data/{device}/{pushId}   readings
//	latest_reading/{device}         latest slot
//	device_commands/{device}        pending command mailbox read by the device
//	command_log/{device}/{pushId}   every command sent
//	device_status/{device}          status
//	alerts/{pushId}                 alerts
//
// Range queries need these index rules in the database:
//
//	"energy_data": {"$device": {".indexOn": ["ts"]}},
//	"alerts": {".indexOn": ["resolved"]}
//
// Without them the server answers "Index not defined" and the store returns
// ErrIndexNotDefined.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	fb "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "firebase"

// ErrIndexNotDefined means the database rules lack an .indexOn entry the
// store queries by
var ErrIndexNotDefined = errors.New("firebase index rule missing")

// Config holds the database URL and an optional service account file. Without
// a file the SDK falls back to application default credentials.
type Config struct {
	DatabaseURL     string
	CredentialsFile string
}

// Tree is the part of the Realtime Database the store uses
type Tree interface {
	Get(ctx context.Context, path string, v interface{}) error
	Set(ctx context.Context, path string, v interface{}) error
	Push(ctx context.Context, path string, v interface{}) (string, error)
	// ChildRange loads the children of path whose child value lies in [start, end]
	ChildRange(ctx context.Context, path, child string, start, end interface{}, v interface{}) error
	// ChildEqual loads the children of path whose child value equals value
	ChildEqual(ctx context.Context, path, child string, value interface{}, v interface{}) error
	// Ping reads a single key to prove the database answers
	Ping(ctx context.Context) error
}

// readingDoc adds a numeric timestamp for ts range queries
type readingDoc struct {
	models.Reading
	TS int64 `json:"ts"`
}

type alertDoc struct {
	models.Alert
	TS int64 `json:"ts"`
}

// Store is the Firebase backend
type Store struct {
	open func(ctx context.Context) (Tree, error)
	now  func() time.Time

	mu   sync.RWMutex
	tree Tree
}

var (
	_ database.Adapter      = (*Store)(nil)
	_ database.CommandQueue = (*Store)(nil)
)

func New(cfg Config) *Store {
	return &Store{
		open: func(ctx context.Context) (Tree, error) { return openSDK(ctx, cfg) },
		now:  time.Now,
	}
}

func newWithTree(tree Tree) *Store {
	return &Store{
		open: func(context.Context) (Tree, error) { return tree, nil },
		now:  time.Now,
	}
}

func openSDK(ctx context.Context, cfg Config) (Tree, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("FIREBASE_DATABASE_URL is not set")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := fb.NewApp(ctx, &fb.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database client: %w", err)
	}
	return &sdkTree{client: client}, nil
}

func (s *Store) Name() string { return backendName }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree != nil {
		return nil
	}

	tree, err := s.open(ctx)
	if err != nil {
		return &database.ConnectionError{Backend: backendName, Err: err}
	}
	if err := tree.Ping(ctx); err != nil {
		return &database.ConnectionError{Backend: backendName, Err: err}
	}

	s.tree = tree
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	return tree != nil && tree.Ping(ctx) == nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.tree = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) session(op string) (Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree == nil {
		return nil, database.Wrap(backendName, op, database.ErrNotConnected)
	}
	return s.tree, nil
}

// wrap marks index failures before the usual annotation
func wrap(op string, err error) error {
	if err != nil && strings.Contains(err.Error(), "Index not defined") {
		err = fmt.Errorf("%w: %v", ErrIndexNotDefined, err)
	}
	return database.Wrap(backendName, op, err)
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	tree, err := s.session("store reading")
	if err != nil {
		return "", err
	}
	device, err := key(reading.DeviceID)
	if err != nil {
		return "", database.Wrap(backendName, "store reading", err)
	}

	doc := readingDoc{Reading: *reading, TS: reading.Timestamp.UnixMilli()}
	doc.Timestamp = doc.Timestamp.UTC()

	id, err := tree.Push(ctx, "energy_data/"+device, doc)
	if err != nil {
		return "", wrap("store reading", err)
	}

	doc.ID = id
	if err := tree.Set(ctx, "latest_reading/"+device, doc); err != nil {
		return "", wrap("store reading", fmt.Errorf("failed to update latest reading: %w", err))
	}
	return id, nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	tree, err := s.session("get latest reading")
	if err != nil {
		return nil, err
	}
	device, err := key(deviceID)
	if err != nil {
		return nil, database.ErrNotFound
	}

	var doc *readingDoc
	if err := tree.Get(ctx, "latest_reading/"+device, &doc); err != nil {
		return nil, wrap("get latest reading", err)
	}
	if doc == nil {
		return nil, database.ErrNotFound
	}
	return &doc.Reading, nil
}

// readingsBetween runs a ts range query for one device
func (s *Store) readingsBetween(ctx context.Context, op, deviceID string, start, end time.Time) ([]models.Reading, error) {
	tree, err := s.session(op)
	if err != nil {
		return nil, err
	}
	device, err := key(deviceID)
	if err != nil {
		return []models.Reading{}, nil
	}

	var docs map[string]readingDoc
	if err := tree.ChildRange(ctx, "energy_data/"+device, "ts", start.UnixMilli(), end.UnixMilli(), &docs); err != nil {
		return nil, wrap(op, err)
	}

	readings := make([]models.Reading, 0, len(docs))
	for id, doc := range docs {
		r := doc.Reading
		r.ID = id
		readings = append(readings, r)
	}
	// ts has millisecond resolution, the bounds may not
	return database.FilterRange(readings, start, end), nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	from, to := database.HistoryWindow(s.now(), hoursBack)

	out, err := s.readingsBetween(ctx, "get historical data", deviceID, from, to)
	if err != nil {
		return nil, err
	}

	database.NewestFirst(out)
	return database.Truncate(out, database.HistoryLimit(limit)), nil
}

func (s *Store) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	window, err := database.PeriodWindow(period)
	if err != nil {
		return nil, err
	}

	to := s.now()
	from := to.Add(-window)
	readings, err := s.readingsBetween(ctx, "get energy statistics", deviceID, from, to)
	if err != nil {
		return nil, err
	}
	return database.ComputeStatistics(deviceID, period, from, to, readings), nil
}

func (s *Store) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if start.After(end) {
		if _, err := s.session("export energy data"); err != nil {
			return nil, err
		}
		return []models.Reading{}, nil
	}

	out, err := s.readingsBetween(ctx, "export energy data", deviceID, start, end)
	if err != nil {
		return nil, err
	}

	database.OldestFirst(out)
	return out, nil
}

// SendDeviceCommand logs the command and overwrites the device mailbox
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	tree, err := s.session("send device command")
	if err != nil {
		return "", err
	}
	device, err := key(cmd.DeviceID)
	if err != nil {
		return "", database.Wrap(backendName, "send device command", err)
	}

	stored := *cmd
	stored.Timestamp = stored.Timestamp.UTC()

	id, err := tree.Push(ctx, "command_log/"+device, stored)
	if err != nil {
		return "", wrap("send device command", err)
	}

	stored.ID = id
	if err := tree.Set(ctx, "device_commands/"+device, stored); err != nil {
		return "", wrap("send device command", fmt.Errorf("failed to write mailbox: %w", err))
	}
	return id, nil
}

// PendingCommands returns the mailbox entry of a device when it was issued
// after since. The mailbox only holds the last command.
func (s *Store) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	tree, err := s.session("pending commands")
	if err != nil {
		return nil, err
	}
	device, err := key(deviceID)
	if err != nil {
		return []models.DeviceCommand{}, nil
	}

	var cmd *models.DeviceCommand
	if err := tree.Get(ctx, "device_commands/"+device, &cmd); err != nil {
		return nil, wrap("pending commands", err)
	}
	if cmd == nil || !cmd.Timestamp.After(since) {
		return []models.DeviceCommand{}, nil
	}
	return []models.DeviceCommand{*cmd}, nil
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	tree, err := s.session("get device status")
	if err != nil {
		return nil, err
	}
	device, err := key(deviceID)
	if err != nil {
		return nil, database.ErrNotFound
	}

	var status *models.DeviceStatus
	if err := tree.Get(ctx, "device_status/"+device, &status); err != nil {
		return nil, wrap("get device status", err)
	}
	if status == nil {
		return nil, database.ErrNotFound
	}
	return status, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	tree, err := s.session("update device status")
	if err != nil {
		return err
	}
	device, err := key(status.DeviceID)
	if err != nil {
		return database.Wrap(backendName, "update device status", err)
	}

	stored := *status
	stored.LastUpdate = stored.LastUpdate.UTC()
	return wrap("update device status", tree.Set(ctx, "device_status/"+device, stored))
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	tree, err := s.session("create alert")
	if err != nil {
		return "", err
	}

	doc := alertDoc{Alert: *alert, TS: alert.Timestamp.UnixMilli()}
	doc.Timestamp = doc.Timestamp.UTC()

	id, err := tree.Push(ctx, "alerts", doc)
	if err != nil {
		return "", wrap("create alert", err)
	}
	return id, nil
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	tree, err := s.session("get alerts")
	if err != nil {
		return nil, err
	}

	var docs map[string]alertDoc
	if err := tree.ChildEqual(ctx, "alerts", "resolved", resolved, &docs); err != nil {
		return nil, wrap("get alerts", err)
	}

	alerts := make([]models.Alert, 0, len(docs))
	for id, doc := range docs {
		a := doc.Alert
		a.ID = id
		alerts = append(alerts, a)
	}
	database.NewestAlertsFirst(alerts)
	return database.TruncateAlerts(alerts, database.AlertLimit(limit)), nil
}

// key checks that id can be one path segment. Firebase keys may not contain
// . $ # [ ] or /, and ids are not rewritten so two devices never share a path.
func key(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, ".$#[]/") {
		return "", fmt.Errorf("%w: %q", database.ErrInvalidKey, id)
	}
	return id, nil
}

// sdkTree serves Tree from the Admin SDK database client
type sdkTree struct {
	client *db.Client
}

func (t *sdkTree) Get(ctx context.Context, path string, v interface{}) error {
	return t.client.NewRef(path).Get(ctx, v)
}

func (t *sdkTree) Set(ctx context.Context, path string, v interface{}) error {
	return t.client.NewRef(path).Set(ctx, v)
}

func (t *sdkTree) Push(ctx context.Context, path string, v interface{}) (string, error) {
	ref, err := t.client.NewRef(path).Push(ctx, v)
	if err != nil {
		return "", err
	}
	return ref.Key, nil
}

func (t *sdkTree) ChildRange(ctx context.Context, path, child string, start, end interface{}, v interface{}) error {
	return t.client.NewRef(path).OrderByChild(child).StartAt(start).EndAt(end).Get(ctx, v)
}

func (t *sdkTree) ChildEqual(ctx context.Context, path, child string, value interface{}, v interface{}) error {
	return t.client.NewRef(path).OrderByChild(child).EqualTo(value).Get(ctx, v)
}

func (t *sdkTree) Ping(ctx context.Context) error {
	var v interface{}
	return t.client.NewRef("device_status").OrderByKey().LimitToFirst(1).Get(ctx, &v)
}
