package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/payperplay/autopower/internal/events"
	"github.com/payperplay/autopower/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamMessage is a WebSocket message sent to event stream clients
type StreamMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan StreamMessage
}

// EventStream pushes lifecycle events to WebSocket clients. New clients get
// the current server snapshot first.
type EventStream struct {
	lifecycle Lifecycle

	clients      map[*streamClient]bool
	clientsMutex sync.RWMutex
	broadcast    chan StreamMessage
	register     chan *streamClient
	unregister   chan *streamClient
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	unsubscribe func()
}

// NewEventStream creates a stream fed by bus
func NewEventStream(lc Lifecycle, bus *events.EventBus) *EventStream {
	ws := &EventStream{
		lifecycle:    lc,
		clients:      make(map[*streamClient]bool),
		broadcast:    make(chan StreamMessage, 256),
		register:     make(chan *streamClient),
		unregister:   make(chan *streamClient),
		shutdownChan: make(chan struct{}),
	}
	if bus != nil {
		ws.unsubscribe = bus.SubscribeAll(func(event events.Event) {
			ws.Publish(StreamMessage{
				Type:      string(event.Type),
				Timestamp: event.Timestamp,
				Data:      event,
			})
		})
	}
	return ws
}

// Run starts the stream manager (run in goroutine)
func (ws *EventStream) Run() {
	logger.Debug("EventStream: Starting WebSocket manager", nil)

	for {
		select {
		case client := <-ws.register:
			ws.clientsMutex.Lock()
			ws.clients[client] = true
			total := len(ws.clients)
			ws.clientsMutex.Unlock()

			logger.Info("EventStream: Client connected", map[string]interface{}{
				"total_clients": total,
			})
			ws.sendInitialState(client)

		case client := <-ws.unregister:
			ws.clientsMutex.Lock()
			if _, ok := ws.clients[client]; ok {
				delete(ws.clients, client)
				close(client.send)
			}
			total := len(ws.clients)
			ws.clientsMutex.Unlock()

			logger.Info("EventStream: Client disconnected", map[string]interface{}{
				"total_clients": total,
			})

		case msg := <-ws.broadcast:
			ws.clientsMutex.RLock()
			for client := range ws.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client; it catches up from /api/events.
				}
			}
			ws.clientsMutex.RUnlock()

		case <-ws.shutdownChan:
			ws.clientsMutex.Lock()
			for client := range ws.clients {
				delete(ws.clients, client)
				close(client.send)
			}
			ws.clientsMutex.Unlock()
			logger.Debug("EventStream: Shutting down", nil)
			return
		}
	}
}

// HandleConnection handles GET /ws/events
func (ws *EventStream) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("EventStream: Failed to upgrade connection", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &streamClient{conn: conn, send: make(chan StreamMessage, 64)}
	select {
	case ws.register <- client:
	case <-ws.shutdownChan:
		conn.Close()
		return
	}

	go ws.writePump(client)
	go ws.readPump(client)
}

// readPump only watches for the client going away
func (ws *EventStream) readPump(client *streamClient) {
	defer func() {
		select {
		case ws.unregister <- client:
		case <-ws.shutdownChan:
		}
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("EventStream: Unexpected close error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
	}
}

// writePump is the only writer on the connection
func (ws *EventStream) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				logger.Debug("EventStream: Failed to send message", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *EventStream) sendInitialState(client *streamClient) {
	if ws.lifecycle == nil {
		return
	}
	select {
	case client.send <- StreamMessage{
		Type:      "servers.snapshot",
		Timestamp: time.Now(),
		Data:      ws.lifecycle.Snapshot(),
	}:
	default:
	}
}

// Publish queues a message for every connected client
func (ws *EventStream) Publish(msg StreamMessage) {
	select {
	case ws.broadcast <- msg:
	default:
		logger.Warn("EventStream: Broadcast channel full, dropping event", map[string]interface{}{
			"event_type": msg.Type,
		})
	}
}

// ClientCount returns the number of connected clients
func (ws *EventStream) ClientCount() int {
	ws.clientsMutex.RLock()
	defer ws.clientsMutex.RUnlock()
	return len(ws.clients)
}

// Shutdown gracefully shuts down the stream manager
func (ws *EventStream) Shutdown() {
	ws.shutdownOnce.Do(func() {
		if ws.unsubscribe != nil {
			ws.unsubscribe()
		}
		close(ws.shutdownChan)
	})
}
