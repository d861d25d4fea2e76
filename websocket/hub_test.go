package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel865692/energy-management-platform/models"
)

type fakeSubscriber struct {
	id       string
	messages chan []byte
	mu       sync.Mutex
	closed   bool
}

func newFakeSubscriber(id string, capacity int) *fakeSubscriber {
	return &fakeSubscriber{id: id, messages: make(chan []byte, capacity)}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(message []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.messages <- message:
		return true
	default:
		return false
	}
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSubscriber) next(t *testing.T) models.WebSocketMessage {
	t.Helper()
	select {
	case raw := <-f.messages:
		var msg models.WebSocketMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatalf("%s received nothing", f.id)
		return models.WebSocketMessage{}
	}
}

func (f *fakeSubscriber) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case raw := <-f.messages:
		t.Fatalf("%s got unexpected message %s", f.id, raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	hub := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// join registers sub and consumes its welcome message
func join(t *testing.T, hub *Hub, sub *fakeSubscriber) {
	t.Helper()
	hub.Register(sub)
	require.Equal(t, TypeConnection, sub.next(t).Type)
}

func reading(deviceID string, power float64) *models.Reading {
	return &models.Reading{DeviceID: deviceID, Voltage: 230, Current: power / 230, Power: power, Timestamp: time.Now()}
}

func TestHub_ReadingsReachOnlyDeviceSubscribers(t *testing.T) {
	hub := startHub(t, Options{})
	a := newFakeSubscriber("a", 8)
	b := newFakeSubscriber("b", 8)

	join(t, hub, a)
	join(t, hub, b)
	require.True(t, hub.Subscribe(a, "ESP32_001"))
	require.True(t, hub.Subscribe(b, "ESP32_002"))

	hub.PublishReading(reading("ESP32_001", 1.5))
	hub.PublishStatus(&models.DeviceStatus{DeviceID: "ESP32_001", Status: models.StateOn})

	msg := a.next(t)
	assert.Equal(t, TypeEnergyUpdate, msg.Type)
	assert.Equal(t, "ESP32_001", msg.DeviceID)
	assert.Equal(t, TypeDeviceStatus, a.next(t).Type)
	b.assertSilent(t)
}

func TestHub_AlertsReachEveryone(t *testing.T) {
	hub := startHub(t, Options{})
	a := newFakeSubscriber("a", 8)
	b := newFakeSubscriber("b", 8)

	hub.Register(a)
	assert.Equal(t, TypeConnection, a.next(t).Type)
	join(t, hub, b)
	hub.Subscribe(b, "ESP32_002")

	hub.PublishAlert(&models.Alert{Type: models.AlertHighConsumption, DeviceID: "ESP32_001", Message: "x"})

	assert.Equal(t, TypeAlert, a.next(t).Type)
	assert.Equal(t, TypeAlert, b.next(t).Type)
}

func TestHub_UnsubscribeAndUnknownPair(t *testing.T) {
	hub := startHub(t, Options{})
	a := newFakeSubscriber("a", 8)

	join(t, hub, a)
	hub.Unsubscribe(a, "never")
	hub.Subscribe(a, "ESP32_001")
	assert.Equal(t, 1, hub.Subscribers("ESP32_001"))

	hub.Unsubscribe(a, "ESP32_001")
	assert.Equal(t, 0, hub.Subscribers("ESP32_001"))

	hub.PublishCommand(&models.DeviceCommand{DeviceID: "ESP32_001", Command: models.CommandOn})
	a.assertSilent(t)
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	hub := startHub(t, Options{})
	slow := newFakeSubscriber("slow", 1)
	fast := newFakeSubscriber("fast", 16)

	join(t, hub, slow)
	join(t, hub, fast)
	hub.Subscribe(slow, "dev")
	hub.Subscribe(fast, "dev")

	for i := 0; i < 3; i++ {
		hub.PublishReading(reading("dev", float64(i)))
	}
	for i := 0; i < 3; i++ {
		fast.next(t)
	}

	assert.Eventually(t, slow.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Subscribers("dev"))
}

func TestHub_RecentKeepsBoundedBuffer(t *testing.T) {
	hub := NewHub(Options{BufferSize: 3})

	for i := 1; i <= 5; i++ {
		hub.PublishReading(reading("dev", float64(i)))
	}

	samples := hub.Recent("dev", 0)
	require.Len(t, samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{samples[0].Power, samples[1].Power, samples[2].Power})

	last := hub.Recent("dev", 1)
	require.Len(t, last, 1)
	assert.Equal(t, 5.0, last[0].Power)

	assert.Empty(t, hub.Recent("other", 10))
}

func TestHub_RunStopClosesSubscribers(t *testing.T) {
	hub := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	a := newFakeSubscriber("a", 8)
	join(t, hub, a)
	hub.Subscribe(a, "dev")
	cancel()
	<-stopped

	assert.True(t, a.isClosed())
	assert.Equal(t, 0, hub.GetClientCount())

	late := newFakeSubscriber("late", 1)
	hub.Register(late)
	assert.True(t, late.isClosed())
}

func TestHub_SubscribeIgnoresUnknownOrDroppedSubscriber(t *testing.T) {
	hub := startHub(t, Options{})
	stranger := newFakeSubscriber("stranger", 8)

	assert.False(t, hub.Subscribe(stranger, "dev"))
	assert.Equal(t, 0, hub.Subscribers("dev"))
	assert.Equal(t, 0, hub.GetClientCount())

	a := newFakeSubscriber("a", 8)
	join(t, hub, a)
	require.True(t, hub.Subscribe(a, "dev"))

	hub.Unregister(a)
	assert.Eventually(t, a.isClosed, time.Second, 5*time.Millisecond)

	assert.False(t, hub.Subscribe(a, "dev"))
	assert.Equal(t, 0, hub.Subscribers("dev"))
	assert.Equal(t, 0, hub.GetClientCount())

	hub.PublishReading(reading("dev", 1))
	a.assertSilent(t)
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(2)
	assert.Equal(t, 0, rb.Len())
	assert.Empty(t, rb.Samples())

	rb.Add(models.BufferedSample{Power: 1})
	assert.Equal(t, 1, rb.Len())

	rb.Add(models.BufferedSample{Power: 2})
	rb.Add(models.BufferedSample{Power: 3})
	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, []models.BufferedSample{{Power: 2}, {Power: 3}}, rb.Samples())
	assert.Equal(t, []models.BufferedSample{{Power: 3}}, rb.Recent(1))
}

func TestHandleWebSocket_SubscribeFlow(t *testing.T) {
	hub := startHub(t, Options{AllowedOrigins: []string{"http://dashboard.local"}})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() models.WebSocketMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg models.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, TypeConnection, read().Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "data": map[string]string{"deviceId": "ESP32_001"}}))
	subscribed := read()
	assert.Equal(t, TypeSubscribed, subscribed.Type)
	assert.Equal(t, "ESP32_001", subscribed.DeviceID)

	hub.PublishReading(reading("ESP32_001", 2))
	assert.Equal(t, TypeEnergyUpdate, read().Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, read().Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "data": map[string]string{}}))
	assert.Equal(t, TypeError, read().Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "unsubscribe", "data": map[string]string{"deviceId": "ESP32_001"}}))
	assert.Equal(t, TypeUnsubscribed, read().Type)
	assert.Eventually(t, func() bool { return hub.Subscribers("ESP32_001") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandleWebSocket_RejectsForeignOrigin(t *testing.T) {
	hub := startHub(t, Options{AllowedOrigins: []string{"http://dashboard.local"}})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	header := http.Header{"Origin": {"http://evil.local"}}
	_, resp, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
