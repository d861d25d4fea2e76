// Package mongostore implements the storage adapter on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "mongodb"

const (
	collReadings = "sensor_readings"
	collLatest   = "latest_readings"
	collCommands = "device_commands"
	collStatus   = "device_status"
	collAlerts   = "alerts"
)

// Config holds the MongoDB connection parameters
type Config struct {
	URI      string
	Database string
}

type readingDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	DeviceID    string             `bson:"device_id"`
	Voltage     float64            `bson:"voltage"`
	Current     float64            `bson:"current"`
	Power       float64            `bson:"power"`
	PowerFactor float64            `bson:"power_factor"`
	Frequency   float64            `bson:"frequency"`
	Timestamp   time.Time          `bson:"timestamp"`
	Source      string             `bson:"source"`
}

// latestDoc is keyed by device so the slot is replaced in place
type latestDoc struct {
	DeviceID  string     `bson:"_id"`
	ReadingID string     `bson:"reading_id"`
	Reading   readingDoc `bson:"reading"`
}

type commandDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	DeviceID  string             `bson:"device_id"`
	Command   string             `bson:"command"`
	Value     *float64           `bson:"value,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
	Source    string             `bson:"source"`
}

type statusDoc struct {
	DeviceID   string    `bson:"_id"`
	Status     string    `bson:"status"`
	LastUpdate time.Time `bson:"last_update"`
}

type alertDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Type      string             `bson:"type"`
	Message   string             `bson:"message"`
	Priority  string             `bson:"priority"`
	DeviceID  string             `bson:"device_id,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
	Resolved  bool               `bson:"resolved"`
}

// Store is the MongoDB backend
type Store struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ database.Adapter      = (*Store)(nil)
	_ database.CommandQueue = (*Store)(nil)
)

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

	opts := options.Client().
		ApplyURI(s.cfg.URI).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return &database.ConnectionError{Backend: backendName, Err: err}
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return &database.ConnectionError{Backend: backendName, Err: fmt.Errorf("failed to ping mongodb: %w", err)}
	}

	db := client.Database(s.cfg.Database)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return &database.ConnectionError{Backend: backendName, Err: err}
	}

	s.client = client
	s.db = db
	return nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	if _, err := db.Collection(collReadings).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return fmt.Errorf("failed to create reading index: %w", err)
	}
	if _, err := db.Collection(collAlerts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "resolved", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return fmt.Errorf("failed to create alert index: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx, readpref.Primary()) == nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.db = nil
	return err
}

func (s *Store) collection(op, name string) (*mongo.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, database.Wrap(backendName, op, database.ErrNotConnected)
	}
	return s.db.Collection(name), nil
}

func toReadingDoc(r *models.Reading) readingDoc {
	return readingDoc{
		DeviceID:    r.DeviceID,
		Voltage:     r.Voltage,
		Current:     r.Current,
		Power:       r.Power,
		PowerFactor: r.PowerFactor,
		Frequency:   r.Frequency,
		Timestamp:   r.Timestamp.UTC(),
		Source:      string(r.Source),
	}
}

func (d readingDoc) model() models.Reading {
	return models.Reading{
		ID:          d.ID.Hex(),
		DeviceID:    d.DeviceID,
		Voltage:     d.Voltage,
		Current:     d.Current,
		Power:       d.Power,
		PowerFactor: d.PowerFactor,
		Frequency:   d.Frequency,
		Timestamp:   d.Timestamp,
		Source:      models.ReadingSource(d.Source),
	}
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	readings, err := s.collection("store reading", collReadings)
	if err != nil {
		return "", err
	}
	latest, err := s.collection("store reading", collLatest)
	if err != nil {
		return "", err
	}

	doc := toReadingDoc(reading)
	doc.ID = primitive.NewObjectID()

	if _, err := readings.InsertOne(ctx, doc); err != nil {
		return "", database.Wrap(backendName, "store reading", fmt.Errorf("failed to insert reading: %w", err))
	}

	slot := latestDoc{DeviceID: doc.DeviceID, ReadingID: doc.ID.Hex(), Reading: doc}
	if _, err := latest.ReplaceOne(ctx, bson.M{"_id": doc.DeviceID}, slot, options.Replace().SetUpsert(true)); err != nil {
		return "", database.Wrap(backendName, "store reading", fmt.Errorf("failed to update latest reading: %w", err))
	}

	return doc.ID.Hex(), nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	latest, err := s.collection("get latest reading", collLatest)
	if err != nil {
		return nil, err
	}

	var slot latestDoc
	err = latest.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&slot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}

	r := slot.Reading.model()
	return &r, nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	from, to := database.HistoryWindow(s.now(), hoursBack)
	filter := bson.M{
		"device_id": deviceID,
		"timestamp": bson.M{"$gte": from.UTC(), "$lte": to.UTC()},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(database.HistoryLimit(limit)))

	return s.findReadings(ctx, "get historical data", filter, opts)
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
	filter := bson.M{
		"device_id": deviceID,
		"timestamp": bson.M{"$gte": start.UTC(), "$lte": end.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})

	return s.findReadings(ctx, "export energy data", filter, opts)
}

func (s *Store) findReadings(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]models.Reading, error) {
	coll, err := s.collection(op, collReadings)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, database.Wrap(backendName, op, err)
	}
	defer cursor.Close(ctx)

	readings := []models.Reading{}
	for cursor.Next(ctx) {
		var doc readingDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, database.Wrap(backendName, op, fmt.Errorf("failed to decode reading: %w", err))
		}
		readings = append(readings, doc.model())
	}
	return readings, database.Wrap(backendName, op, cursor.Err())
}

// SendDeviceCommand inserts into device_commands, which devices watch as a mailbox
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	coll, err := s.collection("send device command", collCommands)
	if err != nil {
		return "", err
	}

	doc := commandDoc{
		ID:        primitive.NewObjectID(),
		DeviceID:  cmd.DeviceID,
		Command:   string(cmd.Command),
		Value:     cmd.Value,
		Timestamp: cmd.Timestamp.UTC(),
		Source:    string(cmd.Source),
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return "", database.Wrap(backendName, "send device command", fmt.Errorf("failed to insert command: %w", err))
	}
	return doc.ID.Hex(), nil
}

func (s *Store) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	coll, err := s.collection("pending commands", collCommands)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"device_id": deviceID, "timestamp": bson.M{"$gt": since.UTC()}}
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, database.Wrap(backendName, "pending commands", err)
	}
	defer cursor.Close(ctx)

	var docs []commandDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, database.Wrap(backendName, "pending commands", err)
	}

	commands := make([]models.DeviceCommand, 0, len(docs))
	for _, d := range docs {
		commands = append(commands, models.DeviceCommand{
			ID:        d.ID.Hex(),
			DeviceID:  d.DeviceID,
			Command:   models.CommandType(d.Command),
			Value:     d.Value,
			Timestamp: d.Timestamp,
			Source:    models.CommandSource(d.Source),
		})
	}
	return commands, nil
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	coll, err := s.collection("get device status", collStatus)
	if err != nil {
		return nil, err
	}

	var doc statusDoc
	err = coll.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Wrap(backendName, "get device status", err)
	}

	return &models.DeviceStatus{
		DeviceID:   doc.DeviceID,
		Status:     models.PowerState(doc.Status),
		LastUpdate: doc.LastUpdate,
	}, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	coll, err := s.collection("update device status", collStatus)
	if err != nil {
		return err
	}

	doc := statusDoc{
		DeviceID:   status.DeviceID,
		Status:     string(status.Status),
		LastUpdate: status.LastUpdate.UTC(),
	}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": status.DeviceID}, doc, options.Replace().SetUpsert(true))
	return database.Wrap(backendName, "update device status", err)
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	coll, err := s.collection("create alert", collAlerts)
	if err != nil {
		return "", err
	}

	doc := alertDoc{
		ID:        primitive.NewObjectID(),
		Type:      alert.Type,
		Message:   alert.Message,
		Priority:  string(alert.Priority),
		DeviceID:  alert.DeviceID,
		Timestamp: alert.Timestamp.UTC(),
		Resolved:  alert.Resolved,
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return "", database.Wrap(backendName, "create alert", fmt.Errorf("failed to insert alert: %w", err))
	}
	return doc.ID.Hex(), nil
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	coll, err := s.collection("get alerts", collAlerts)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(database.AlertLimit(limit)))

	cursor, err := coll.Find(ctx, bson.M{"resolved": resolved}, opts)
	if err != nil {
		return nil, database.Wrap(backendName, "get alerts", err)
	}
	defer cursor.Close(ctx)

	var docs []alertDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, database.Wrap(backendName, "get alerts", err)
	}

	alerts := make([]models.Alert, 0, len(docs))
	for _, d := range docs {
		alerts = append(alerts, models.Alert{
			ID:        d.ID.Hex(),
			Type:      d.Type,
			Message:   d.Message,
			Priority:  models.AlertPriority(d.Priority),
			DeviceID:  d.DeviceID,
			Timestamp: d.Timestamp,
			Resolved:  d.Resolved,
		})
	}
	return alerts, nil
}
