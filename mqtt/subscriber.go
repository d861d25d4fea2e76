// Package mqtt ingests readings and status confirmations published by
// devices on an MQTT broker.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Daniel865692/energy-management-platform/config"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/services"
)

// Pipeline receives what devices publish
type Pipeline interface {
	Ingest(ctx context.Context, raw *models.RawReading, source models.ReadingSource) (*services.IngestResult, error)
	ReportStatus(ctx context.Context, deviceID, status string) (*models.DeviceStatus, error)
}

// Subscriber listens on the telemetry and status topics. The device id is
// taken from the wildcard segment of the topic and overrides the payload.
type Subscriber struct {
	cfg       config.MQTTConfig
	pipeline  Pipeline
	client    paho.Client
	timeout   time.Duration
	retryBase time.Duration
	retryMax  time.Duration
}

// NewSubscriber builds the paho client; nothing connects until Start
func NewSubscriber(cfg config.MQTTConfig, pipeline Pipeline) *Subscriber {
	s := &Subscriber{
		cfg:       cfg,
		pipeline:  pipeline,
		timeout:   10 * time.Second,
		retryBase: time.Second,
		retryMax:  30 * time.Second,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		log.Printf("Connected to MQTT broker %s", cfg.BrokerURL)
		if err := s.subscribe(c); err != nil {
			log.Printf("MQTT subscribe error: %v", err)
		}
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	}

	s.client = paho.NewClient(opts)
	return s
}

func (s *Subscriber) subscribe(c paho.Client) error {
	subscriptions := []struct {
		topic   string
		handler func(context.Context, string, []byte)
	}{
		{s.cfg.TelemetryTopic, s.HandleTelemetry},
		{s.cfg.StatusTopic, s.HandleStatus},
	}

	for _, sub := range subscriptions {
		if sub.topic == "" {
			continue
		}
		handler := sub.handler
		token := c.Subscribe(sub.topic, s.cfg.QoS, func(_ paho.Client, msg paho.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			handler(ctx, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, token.Error())
		}
		log.Printf("Subscribed to MQTT topic %s (QoS %d)", sub.topic, s.cfg.QoS)
	}
	return nil
}

// Start connects in the background, backing off between failed attempts
// until ctx is done. Once connected paho reconnects on its own.
func (s *Subscriber) Start(ctx context.Context) {
	go s.connect(ctx)
}

// connect reports whether the broker accepted a connection before ctx ended
func (s *Subscriber) connect(ctx context.Context) bool {
	backoff := s.retryBase
	for {
		err := s.await(ctx, s.client.Connect())
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			s.client.Disconnect(0)
			return false
		}

		log.Printf("MQTT connect error: %v; retrying in %s", err, backoff)
		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > s.retryMax {
				backoff = s.retryMax
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Subscriber) await(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.client.Disconnect(0)
		return fmt.Errorf("connect to %s: no answer within %s", s.cfg.BrokerURL, s.timeout)
	}
}

// Stop disconnects from the broker
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	log.Println("MQTT subscriber stopped")
}

// HandleTelemetry ingests one reading published by a device
func (s *Subscriber) HandleTelemetry(ctx context.Context, topic string, payload []byte) {
	var raw models.RawReading
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		log.Printf("Invalid telemetry on %s: %v", topic, err)
		return
	}

	if deviceID := DeviceFromTopic(s.cfg.TelemetryTopic, topic); deviceID != "" {
		raw.DeviceID = deviceID
	}

	if _, err := s.pipeline.Ingest(ctx, &raw, models.SourceDevice); err != nil {
		log.Printf("Telemetry on %s not ingested: %v", topic, err)
	}
}

// HandleStatus records a power state confirmed by a device. The payload is
// either {"status":"ON"} or the bare state.
func (s *Subscriber) HandleStatus(ctx context.Context, topic string, payload []byte) {
	deviceID := DeviceFromTopic(s.cfg.StatusTopic, topic)

	var msg struct {
		DeviceID string `json:"deviceId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		msg.Status = strings.Trim(string(payload), "\" \t\r\n")
	}
	if deviceID == "" {
		deviceID = msg.DeviceID
	}

	if _, err := s.pipeline.ReportStatus(ctx, deviceID, strings.ToUpper(msg.Status)); err != nil {
		log.Printf("Status on %s not recorded: %v", topic, err)
	}
}

// DeviceFromTopic returns the topic level matched by the single level
// wildcard of pattern, or "" when topic does not match.
func DeviceFromTopic(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}

	deviceID := ""
	for i := range want {
		switch want[i] {
		case "+":
			if deviceID == "" {
				deviceID = got[i]
			}
		case got[i]:
		default:
			return ""
		}
	}
	return deviceID
}
