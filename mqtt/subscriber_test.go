package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel865692/energy-management-platform/config"
	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/memory"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/services"
)

type nopPublisher struct{}

func (nopPublisher) PublishReading(*models.Reading) {}
func (nopPublisher) PublishStatus(*models.DeviceStatus) {}
func (nopPublisher) PublishAlert(*models.Alert) {}
func (nopPublisher) PublishCommand(*models.DeviceCommand) {}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		BrokerURL:      "tcp://127.0.0.1:1883",
		ClientID:       "energy-test",
		TelemetryTopic: "energy/+/telemetry",
		StatusTopic:    "energy/+/status",
		QoS:            1,
	}
}

func newTestSubscriber(t *testing.T) (*Subscriber, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Options{})
	require.NoError(t, store.Connect(context.Background()))
	detector := services.NewAnomalyDetector(models.DefaultAnomalyThresholds())
	return NewSubscriber(testConfig(), services.NewOrchestrator(store, detector, nopPublisher{})), store
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    string
	}{
		{"energy/+/telemetry", "energy/ESP32_001/telemetry", "ESP32_001"},
		{"energy/+/telemetry", "energy/ESP32_001/status", ""},
		{"energy/+/telemetry", "energy/ESP32_001/telemetry/extra", ""},
		{"site/+/energy/+/data", "site/a/energy/b/data", "a"},
		{"devices/telemetry", "devices/telemetry", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, DeviceFromTopic(tt.pattern, tt.topic))
		})
	}
}

func TestHandleTelemetry(t *testing.T) {
	s, store := newTestSubscriber(t)
	ctx := context.Background()

	s.HandleTelemetry(ctx, "energy/ESP32_007/telemetry",
		[]byte(`{"deviceId":"spoofed","voltage":229.5,"current":"3.1","power":0.7,"powerFactor":0.97,"frequency":50,"timestamp":1705312800000}`))

	latest, err := store.GetLatestReading(ctx, "ESP32_007")
	require.NoError(t, err)
	assert.Equal(t, 229.5, latest.Voltage)
	assert.Equal(t, 3.1, latest.Current)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), latest.Timestamp)
	assert.Equal(t, models.SourceDevice, latest.Source)

	_, err = store.GetLatestReading(ctx, "spoofed")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// malformed and invalid payloads are dropped
	s.HandleTelemetry(ctx, "energy/ESP32_008/telemetry", []byte(`garbage`))
	s.HandleTelemetry(ctx, "energy/ESP32_008/telemetry", []byte(`{"voltage":-1}`))
	_, err = store.GetLatestReading(ctx, "ESP32_008")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestHandleStatus(t *testing.T) {
	s, store := newTestSubscriber(t)
	ctx := context.Background()

	s.HandleStatus(ctx, "energy/ESP32_001/status", []byte(`{"status":"on"}`))
	status, err := store.GetDeviceStatus(ctx, "ESP32_001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOn, status.Status)

	s.HandleStatus(ctx, "energy/ESP32_001/status", []byte(`OFF`))
	status, err = store.GetDeviceStatus(ctx, "ESP32_001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOff, status.Status)

	s.HandleStatus(ctx, "energy/ESP32_001/status", []byte(`"BROKEN"`))
	status, err = store.GetDeviceStatus(ctx, "ESP32_001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOff, status.Status)
}

// fakeToken completes at once unless done is set
type fakeToken struct {
	paho.Token
	err  error
	done chan struct{}
}

func (t *fakeToken) Wait() bool   { return true }
func (t *fakeToken) Error() error { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	if t.done != nil {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	paho.Client
	topics   []string
	handlers map[string]paho.MessageHandler
	failOn   string

	mu          sync.Mutex
	connects    []*fakeToken
	attempts    int
	disconnects int
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if len(c.connects) == 0 {
		return &fakeToken{}
	}
	token := c.connects[0]
	c.connects = c.connects[1:]
	return token
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts, c.disconnects
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	if topic == c.failOn {
		return &fakeToken{err: errors.New("not authorized")}
	}
	c.topics = append(c.topics, topic)
	c.handlers[topic] = callback
	return &fakeToken{}
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

func TestSubscribeRoutesTopics(t *testing.T) {
	s, store := newTestSubscriber(t)
	client := &fakeClient{handlers: map[string]paho.MessageHandler{}}

	require.NoError(t, s.subscribe(client))
	assert.Equal(t, []string{"energy/+/telemetry", "energy/+/status"}, client.topics)

	client.handlers["energy/+/status"](client, &fakeMessage{topic: "energy/ESP32_003/status", payload: []byte(`ON`)})
	status, err := store.GetDeviceStatus(context.Background(), "ESP32_003")
	require.NoError(t, err)
	assert.Equal(t, models.StateOn, status.Status)

	failing := &fakeClient{handlers: map[string]paho.MessageHandler{}, failOn: "energy/+/status"}
	assert.Error(t, s.subscribe(failing))
}

func TestConnect_RetriesWithBackoff(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.retryBase, s.retryMax = time.Millisecond, 2*time.Millisecond
	client := &fakeClient{connects: []*fakeToken{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
	}}
	s.client = client

	require.True(t, s.connect(context.Background()))
	attempts, _ := client.counts()
	assert.Equal(t, 3, attempts)
}

func TestConnect_StopsWhenContextEndsMidAttempt(t *testing.T) {
	s, _ := newTestSubscriber(t)
	hung := &fakeToken{done: make(chan struct{})}
	client := &fakeClient{connects: []*fakeToken{hung}}
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- s.connect(ctx) }()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connect ignored the cancelled context")
	}
	attempts, disconnects := client.counts()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, disconnects)
}

func TestConnect_AttemptTimesOut(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.timeout = 10 * time.Millisecond
	s.retryBase = time.Millisecond
	client := &fakeClient{connects: []*fakeToken{{done: make(chan struct{})}}}
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.True(t, s.connect(ctx))
	attempts, disconnects := client.counts()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, disconnects)
}
