package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Daniel865692/energy-management-platform/models"
)

// Message types pushed to viewers
const (
	TypeConnection    = "connection"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeEnergyUpdate  = "energy_update"
	TypeDeviceStatus  = "device_status"
	TypeAlert         = "alert"
	TypeDeviceCommand = "device_command"
	TypePong          = "pong"
	TypeError         = "error"
)

// Subscriber is a live channel to one viewer. Send must not block; it
// returns false when the message could not be queued.
type Subscriber interface {
	ID() string
	Send(message []byte) bool
	Close()
}

type envelope struct {
	deviceID string // empty for messages to every subscriber
	payload  []byte
}

// Hub tracks which subscribers follow which device and fans out updates.
// Delivery is fire-and-forget: a subscriber that cannot keep up is dropped
// and nothing is replayed.
type Hub struct {
	subscribers map[Subscriber]map[string]bool
	devices     map[string]map[Subscriber]bool
	buffers     map[string]*RingBuffer
	bufferSize  int

	broadcast  chan envelope
	unregister chan Subscriber
	done       chan struct{}
	mutex      sync.RWMutex
	closed     bool

	upgrader upgraderConfig
}

// Options configures a hub
type Options struct {
	// BufferSize is the capacity of each per-device ring buffer
	BufferSize int
	// AllowedOrigins lists websocket origins; empty or "*" allows any
	AllowedOrigins []string
}

// NewHub creates a new hub. Run must be started for messages to flow.
func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	return &Hub{
		subscribers: make(map[Subscriber]map[string]bool),
		devices:     make(map[string]map[Subscriber]bool),
		buffers:     make(map[string]*RingBuffer),
		bufferSize:  opts.BufferSize,
		broadcast:   make(chan envelope, 256),
		unregister:  make(chan Subscriber),
		done:        make(chan struct{}),
		upgrader:    newUpgraderConfig(opts.AllowedOrigins),
	}
}

// Run delivers queued messages until ctx is done, then closes every subscriber
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			h.closed = true
			for sub := range h.subscribers {
				h.removeLocked(sub)
			}
			h.mutex.Unlock()
			return

		case sub := <-h.unregister:
			h.drop(sub)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg envelope) {
	var slow []Subscriber

	h.mutex.RLock()
	if msg.deviceID == "" {
		for sub := range h.subscribers {
			if !sub.Send(msg.payload) {
				slow = append(slow, sub)
			}
		}
	} else {
		for sub := range h.devices[msg.deviceID] {
			if !sub.Send(msg.payload) {
				slow = append(slow, sub)
			}
		}
	}
	h.mutex.RUnlock()

	for _, sub := range slow {
		log.Printf("Client %s is not keeping up, dropping it", sub.ID())
		h.drop(sub)
	}
}

func (h *Hub) drop(sub Subscriber) {
	h.mutex.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		h.removeLocked(sub)
	}
	count := len(h.subscribers)
	h.mutex.Unlock()

	if ok {
		log.Printf("Client %s unregistered, total clients: %d", sub.ID(), count)
	}
}

func (h *Hub) removeLocked(sub Subscriber) {
	for deviceID := range h.subscribers[sub] {
		h.unsubscribeLocked(sub, deviceID)
	}
	delete(h.subscribers, sub)
	sub.Close()
}

func (h *Hub) unsubscribeLocked(sub Subscriber, deviceID string) {
	set, ok := h.devices[deviceID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.devices, deviceID)
	}
	if devices, ok := h.subscribers[sub]; ok {
		delete(devices, deviceID)
	}
}

// Register adds a subscriber that receives alerts and the welcome message.
// Once the hub has stopped sub is closed instead.
func (h *Hub) Register(sub Subscriber) {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		sub.Close()
		return
	}
	if _, ok := h.subscribers[sub]; !ok {
		h.subscribers[sub] = make(map[string]bool)
	}
	count := len(h.subscribers)
	h.mutex.Unlock()
	log.Printf("Client %s registered, total clients: %d", sub.ID(), count)

	welcome := encode(TypeConnection, "", map[string]string{"status": "connected", "client_id": sub.ID()})
	if welcome != nil && !sub.Send(welcome) {
		h.drop(sub)
	}
}

// Unregister removes a subscriber and closes it
func (h *Hub) Unregister(sub Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Subscribe adds sub to the audience of deviceID. It reports false and does
// nothing when sub is not registered, such as after it was dropped.
func (h *Hub) Subscribe(sub Subscriber, deviceID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	devices, ok := h.subscribers[sub]
	if !ok {
		return false
	}
	devices[deviceID] = true

	set, ok := h.devices[deviceID]
	if !ok {
		set = make(map[Subscriber]bool)
		h.devices[deviceID] = set
	}
	set[sub] = true
	return true
}

// Unsubscribe removes sub from deviceID. Unknown pairs are ignored.
func (h *Hub) Unsubscribe(sub Subscriber, deviceID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unsubscribeLocked(sub, deviceID)
}

// Subscribers returns how many subscribers follow deviceID
func (h *Hub) Subscribers(deviceID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.devices[deviceID])
}

// GetClientCount returns the number of connected subscribers
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// PublishReading buffers a chart sample and tells the device's subscribers
func (h *Hub) PublishReading(reading *models.Reading) {
	h.mutex.Lock()
	buf, ok := h.buffers[reading.DeviceID]
	if !ok {
		buf = NewRingBuffer(h.bufferSize)
		h.buffers[reading.DeviceID] = buf
	}
	buf.Add(reading.Sample())
	h.mutex.Unlock()

	h.enqueue(reading.DeviceID, encode(TypeEnergyUpdate, reading.DeviceID, reading))
}

// PublishStatus tells the device's subscribers about a state change
func (h *Hub) PublishStatus(status *models.DeviceStatus) {
	h.enqueue(status.DeviceID, encode(TypeDeviceStatus, status.DeviceID, status))
}

// PublishAlert tells every subscriber
func (h *Hub) PublishAlert(alert *models.Alert) {
	h.enqueue("", encode(TypeAlert, alert.DeviceID, alert))
}

// PublishCommand tells the device's subscribers a command was sent
func (h *Hub) PublishCommand(cmd *models.DeviceCommand) {
	h.enqueue(cmd.DeviceID, encode(TypeDeviceCommand, cmd.DeviceID, cmd))
}

// Recent returns up to n buffered samples of a device, oldest first. n <= 0
// returns the whole buffer.
func (h *Hub) Recent(deviceID string, n int) []models.BufferedSample {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	buf, ok := h.buffers[deviceID]
	if !ok {
		return []models.BufferedSample{}
	}
	return buf.Recent(n)
}

func (h *Hub) enqueue(deviceID string, payload []byte) {
	if payload == nil {
		return
	}
	select {
	case h.broadcast <- envelope{deviceID: deviceID, payload: payload}:
	default:
		log.Println("Broadcast channel full, dropping message")
	}
}

func encode(msgType, deviceID string, data interface{}) []byte {
	msg := models.WebSocketMessage{
		Type:      msgType,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msgType, err)
		return nil
	}
	return payload
}
