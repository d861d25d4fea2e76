package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

type upgraderConfig struct {
	websocket.Upgrader
}

func newUpgraderConfig(allowed []string) upgraderConfig {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAll = true
		}
		set[origin] = true
	}

	return upgraderConfig{websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || set[strings.TrimRight(origin, "/")]
		},
	}}
}

// Client is a websocket viewer
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mutex  sync.Mutex
	closed bool
}

func (c *Client) ID() string { return c.id }

// Send queues a message without blocking
func (c *Client) Send(message []byte) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the connection
func (c *Client) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleWebSocket upgrades the request and serves the client until it leaves
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMessage is what viewers send: subscribe, unsubscribe or ping
type clientMessage struct {
	Type string `json:"type"`
	Data struct {
		DeviceID string `json:"deviceId"`
	} `json:"data"`
}

func (c *Client) handleMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.reply(TypeError, "", map[string]string{"message": "Invalid message format"})
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		deviceID := strings.TrimSpace(msg.Data.DeviceID)
		if deviceID == "" {
			c.reply(TypeError, "", map[string]string{"message": "deviceId is required"})
			return
		}
		if msg.Type == "subscribe" {
			if !c.hub.Subscribe(c, deviceID) {
				return
			}
			c.reply(TypeSubscribed, deviceID, map[string]string{"deviceId": deviceID})
		} else {
			c.hub.Unsubscribe(c, deviceID)
			c.reply(TypeUnsubscribed, deviceID, map[string]string{"deviceId": deviceID})
		}

	case "ping":
		c.reply(TypePong, "", map[string]string{"client_id": c.id})

	default:
		log.Printf("Unknown message type from client %s: %s", c.id, msg.Type)
		c.reply(TypeError, "", map[string]string{"message": "Unknown message type: " + msg.Type})
	}
}

func (c *Client) reply(msgType, deviceID string, data interface{}) {
	payload := encode(msgType, deviceID, data)
	if payload != nil && !c.Send(payload) {
		log.Printf("Failed to send %s to client %s", msgType, c.id)
	}
}
