// Package redisstore implements the storage adapter on Redis.
//
// Key layout under the configured prefix:
//
//	{prefix}:readings:{device}   ZSET of reading JSON scored by unix ms
//	{prefix}:latest:{device}     reading JSON
//	{prefix}:commands:{device}   LIST of command JSON, also PUBLISHed on the same name
//	{prefix}:status:{device}     status JSON
//	{prefix}:alerts:{open|resolved}  ZSET of alert ids scored by unix ms
//	{prefix}:alert:{id}          alert JSON
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "redis"

// Config holds the Redis connection parameters
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// Store is the Redis backend
type Store struct {
	cfg    Config
	prefix string
	now    func() time.Time

	mu  sync.RWMutex
	rdb *redis.Client
}

var (
	_ database.Adapter      = (*Store)(nil)
	_ database.CommandQueue = (*Store)(nil)
)

func New(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "energy"
	}
	return &Store{cfg: cfg, prefix: prefix, now: time.Now}
}

func (s *Store) Name() string { return backendName }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rdb != nil {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Addr,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		DialTimeout:  s.cfg.Timeout,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return &database.ConnectionError{Backend: backendName, Err: fmt.Errorf("redis connection failed: %w", err)}
	}

	s.rdb = rdb
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	rdb := s.client()
	if rdb == nil {
		return false
	}
	return rdb.Ping(ctx).Err() == nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Close()
	s.rdb = nil
	return err
}

func (s *Store) client() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rdb
}

func (s *Store) session(op string) (*redis.Client, error) {
	rdb := s.client()
	if rdb == nil {
		return nil, database.Wrap(backendName, op, database.ErrNotConnected)
	}
	return rdb, nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) alertIndex(resolved bool) string {
	if resolved {
		return s.key("alerts", "resolved")
	}
	return s.key("alerts", "open")
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	rdb, err := s.session("store reading")
	if err != nil {
		return "", err
	}

	stored := *reading
	stored.ID = uuid.NewString()
	stored.Timestamp = stored.Timestamp.UTC()

	payload, err := json.Marshal(stored)
	if err != nil {
		return "", database.Wrap(backendName, "store reading", err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.key("readings", stored.DeviceID), redis.Z{
			Score:  float64(stored.Timestamp.UnixMilli()),
			Member: payload,
		})
		pipe.Set(ctx, s.key("latest", stored.DeviceID), payload, 0)
		return nil
	})
	if err != nil {
		return "", database.Wrap(backendName, "store reading", err)
	}
	return stored.ID, nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	rdb, err := s.session("get latest reading")
	if err != nil {
		return nil, err
	}

	data, err := rdb.Get(ctx, s.key("latest", deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}

	var r models.Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}
	return &r, nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	rdb, err := s.session("get historical data")
	if err != nil {
		return nil, err
	}

	from, to := database.HistoryWindow(s.now(), hoursBack)
	limit = database.HistoryLimit(limit)

	members, err := rdb.ZRevRangeByScore(ctx, s.key("readings", deviceID), &redis.ZRangeBy{
		Min:   msScore(from),
		Max:   msScore(to),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, database.Wrap(backendName, "get historical data", err)
	}

	readings, err := decodeReadings(members)
	if err != nil {
		return nil, database.Wrap(backendName, "get historical data", err)
	}
	out := database.FilterRange(readings, from, to)
	return database.Truncate(out, limit), nil
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
	rdb, err := s.session("export energy data")
	if err != nil {
		return nil, err
	}

	members, err := rdb.ZRangeByScore(ctx, s.key("readings", deviceID), &redis.ZRangeBy{
		Min: msScore(start),
		Max: msScore(end),
	}).Result()
	if err != nil {
		return nil, database.Wrap(backendName, "export energy data", err)
	}

	readings, err := decodeReadings(members)
	if err != nil {
		return nil, database.Wrap(backendName, "export energy data", err)
	}
	// scores are millisecond granular, bounds are not
	out := database.FilterRange(readings, start, end)
	database.OldestFirst(out)
	return out, nil
}

func msScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeReadings(members []string) ([]models.Reading, error) {
	readings := make([]models.Reading, 0, len(members))
	for _, m := range members {
		var r models.Reading
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, fmt.Errorf("failed to decode reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// SendDeviceCommand appends to the device mailbox and publishes on the
// channel of the same name for devices that listen live
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	rdb, err := s.session("send device command")
	if err != nil {
		return "", err
	}

	stored := *cmd
	stored.ID = uuid.NewString()

	payload, err := json.Marshal(stored)
	if err != nil {
		return "", database.Wrap(backendName, "send device command", err)
	}

	mailbox := s.key("commands", stored.DeviceID)
	if err := rdb.RPush(ctx, mailbox, payload).Err(); err != nil {
		return "", database.Wrap(backendName, "send device command", err)
	}
	// relay is best effort once the command is persisted
	_ = rdb.Publish(ctx, mailbox, payload).Err()

	return stored.ID, nil
}

// Commands returns the mailbox of a device, oldest first
func (s *Store) PendingCommands(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceCommand, error) {
	rdb, err := s.session("pending commands")
	if err != nil {
		return nil, err
	}

	items, err := rdb.LRange(ctx, s.key("commands", deviceID), 0, -1).Result()
	if err != nil {
		return nil, database.Wrap(backendName, "pending commands", err)
	}

	commands := make([]models.DeviceCommand, 0, len(items))
	for _, item := range items {
		var c models.DeviceCommand
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			return nil, database.Wrap(backendName, "pending commands", err)
		}
		if c.Timestamp.After(since) {
			commands = append(commands, c)
		}
	}
	return commands, nil
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	rdb, err := s.session("get device status")
	if err != nil {
		return nil, err
	}

	data, err := rdb.Get(ctx, s.key("status", deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Wrap(backendName, "get device status", err)
	}

	var status models.DeviceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, database.Wrap(backendName, "get device status", err)
	}
	return &status, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	rdb, err := s.session("update device status")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return database.Wrap(backendName, "update device status", err)
	}
	return database.Wrap(backendName, "update device status",
		rdb.Set(ctx, s.key("status", status.DeviceID), payload, 0).Err())
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	rdb, err := s.session("create alert")
	if err != nil {
		return "", err
	}

	stored := *alert
	stored.ID = uuid.NewString()

	payload, err := json.Marshal(stored)
	if err != nil {
		return "", database.Wrap(backendName, "create alert", err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("alert", stored.ID), payload, 0)
		pipe.ZAdd(ctx, s.alertIndex(stored.Resolved), redis.Z{
			Score:  float64(stored.Timestamp.UnixMilli()),
			Member: stored.ID,
		})
		return nil
	})
	if err != nil {
		return "", database.Wrap(backendName, "create alert", err)
	}
	return stored.ID, nil
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	rdb, err := s.session("get alerts")
	if err != nil {
		return nil, err
	}

	ids, err := rdb.ZRevRange(ctx, s.alertIndex(resolved), 0, int64(database.AlertLimit(limit))-1).Result()
	if err != nil {
		return nil, database.Wrap(backendName, "get alerts", err)
	}
	if len(ids) == 0 {
		return []models.Alert{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("alert", id)
	}

	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, database.Wrap(backendName, "get alerts", err)
	}

	alerts := make([]models.Alert, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a models.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, database.Wrap(backendName, "get alerts", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
