// Package cloudiot relays telemetry and commands to AWS IoT Core or Azure IoT
// Hub over MQTT. Neither service answers queries, so every read and the
// persistent copy of each write go to a mirror adapter.
package cloudiot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const (
	ProviderAWS   = "aws"
	ProviderAzure = "azure"

	deviceToken    = "{deviceId}"
	connectTimeout = 10 * time.Second
)

var defaultTopics = map[string][2]string{
	ProviderAWS:   {"energy/{deviceId}/telemetry", "energy/{deviceId}/commands"},
	ProviderAzure: {"devices/{deviceId}/messages/events/", "devices/{deviceId}/messages/devicebound/"},
}

// Config describes the hub endpoint. Topics may contain {deviceId}.
type Config struct {
	Provider       string
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CertFile       string
	KeyFile        string
	CAFile         string
	TelemetryTopic string
	CommandTopic   string
	QoS            byte
}

// Publisher is the slice of an MQTT client the store needs
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Close()
}

// Dialer opens a Publisher for a config
type Dialer func(ctx context.Context, cfg Config) (Publisher, error)

// Store is the cloud IoT backend
type Store struct {
	cfg    Config
	dial   Dialer
	mirror database.Adapter

	mu  sync.RWMutex
	pub Publisher
}

var _ database.Adapter = (*Store)(nil)

// New creates a store that dials the hub with paho
func New(cfg Config, mirror database.Adapter) *Store {
	return NewWithDialer(cfg, mirror, DialPaho)
}

func NewWithDialer(cfg Config, mirror database.Adapter, dial Dialer) *Store {
	cfg.Provider = strings.ToLower(cfg.Provider)
	if topics, ok := defaultTopics[cfg.Provider]; ok {
		if cfg.TelemetryTopic == "" {
			cfg.TelemetryTopic = topics[0]
		}
		if cfg.CommandTopic == "" {
			cfg.CommandTopic = topics[1]
		}
	}
	if cfg.QoS > 1 {
		// neither hub accepts QoS 2
		cfg.QoS = 1
	}
	return &Store{cfg: cfg, dial: dial, mirror: mirror}
}

func (s *Store) Name() string { return s.cfg.Provider }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pub != nil {
		return nil
	}
	if _, ok := defaultTopics[s.cfg.Provider]; !ok {
		return &database.ConnectionError{Backend: s.cfg.Provider, Err: fmt.Errorf("unknown provider %q", s.cfg.Provider)}
	}
	if s.cfg.BrokerURL == "" {
		return &database.ConnectionError{Backend: s.cfg.Provider, Err: errors.New("IOT_BROKER_URL is not set")}
	}

	pub, err := s.dial(ctx, s.cfg)
	if err != nil {
		return &database.ConnectionError{Backend: s.cfg.Provider, Err: err}
	}
	if err := s.mirror.Connect(ctx); err != nil {
		pub.Close()
		return err
	}

	s.pub = pub
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	pub := s.publisher()
	return pub != nil && pub.IsConnected() && s.mirror.HealthCheck(ctx)
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	pub := s.pub
	s.pub = nil
	s.mu.Unlock()

	if pub != nil {
		pub.Close()
	}
	return s.mirror.Disconnect(ctx)
}

func (s *Store) publisher() Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}

func (s *Store) check(op string) error {
	if s.publisher() == nil {
		return database.Wrap(s.cfg.Provider, op, database.ErrNotConnected)
	}
	return nil
}

// Topic expands a topic template for one device
func Topic(template, deviceID string) string {
	return strings.ReplaceAll(template, deviceToken, deviceID)
}

// relay publishes after the mirror has persisted; failures are logged only
func (s *Store) relay(ctx context.Context, template, deviceID string, v interface{}) {
	pub := s.publisher()
	if pub == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("%s: failed to encode relay payload: %v", s.cfg.Provider, err)
		return
	}

	topic := Topic(template, deviceID)
	if err := pub.Publish(ctx, topic, payload); err != nil {
		log.Printf("%s: publish to %s failed: %v", s.cfg.Provider, topic, err)
	}
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	if err := s.check("store reading"); err != nil {
		return "", err
	}

	id, err := s.mirror.StoreReading(ctx, reading)
	if err != nil {
		return "", err
	}

	relayed := *reading
	relayed.ID = id
	s.relay(ctx, s.cfg.TelemetryTopic, reading.DeviceID, relayed)
	return id, nil
}

func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	if err := s.check("send device command"); err != nil {
		return "", err
	}

	id, err := s.mirror.SendDeviceCommand(ctx, cmd)
	if err != nil {
		return "", err
	}

	relayed := *cmd
	relayed.ID = id
	s.relay(ctx, s.cfg.CommandTopic, cmd.DeviceID, relayed)
	return id, nil
}

func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	if err := s.check("get latest reading"); err != nil {
		return nil, err
	}
	return s.mirror.GetLatestReading(ctx, deviceID)
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	if err := s.check("get historical data"); err != nil {
		return nil, err
	}
	return s.mirror.GetHistoricalData(ctx, deviceID, hoursBack, limit)
}

func (s *Store) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	if err := s.check("get energy statistics"); err != nil {
		return nil, err
	}
	return s.mirror.GetEnergyStatistics(ctx, deviceID, period)
}

func (s *Store) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if err := s.check("export energy data"); err != nil {
		return nil, err
	}
	return s.mirror.ExportEnergyData(ctx, deviceID, start, end)
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	if err := s.check("get device status"); err != nil {
		return nil, err
	}
	return s.mirror.GetDeviceStatus(ctx, deviceID)
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	if err := s.check("update device status"); err != nil {
		return err
	}
	return s.mirror.UpdateDeviceStatus(ctx, status)
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	if err := s.check("create alert"); err != nil {
		return "", err
	}
	return s.mirror.CreateAlert(ctx, alert)
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	if err := s.check("get alerts"); err != nil {
		return nil, err
	}
	return s.mirror.GetAlerts(ctx, resolved, limit)
}

// pahoPublisher adapts a paho client
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
}

// DialPaho connects a paho client, with mutual TLS when certificate files
// are configured
func DialPaho(ctx context.Context, cfg Config) (Publisher, error) {
	tlsCfg, err := NewTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("%s: mqtt connection lost: %v", cfg.Provider, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	log.Printf("%s: connected to %s", cfg.Provider, cfg.BrokerURL)
	return &pahoPublisher{client: client, qos: cfg.QoS}, nil
}

func (p *pahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pahoPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// NewTLSConfig loads a client certificate and an optional CA bundle. It
// returns nil when no files are configured.
func NewTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
