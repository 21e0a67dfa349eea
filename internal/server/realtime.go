package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tdrlabs/attendance-offline/internal/events"
	"go.uber.org/zap"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketPingInterval = 30 * time.Second
)

// wsEnvelope wraps every message pushed to a page.
type wsEnvelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBridge forwards bus events to connected WebSocket pages so foreground
// UIs receive connectivity edges and sync outcomes without polling.
type EventBridge struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventBridge constructs the bridge. Origin checks are left to the CORS
// layer shared with the REST routes.
func NewEventBridge(bus *events.Bus, logger *zap.Logger) *EventBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBridge{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

func (b *EventBridge) handleSocket(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	stream, cancel := b.bus.Subscribe(c.Request.Context())
	defer cancel()

	done := make(chan struct{})
	go b.writeLoop(conn, stream, done)

	// Pages never send application data; the read loop only surfaces the
	// close handshake.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
}

func (b *EventBridge) writeLoop(conn *websocket.Conn, stream <-chan events.Event, done <-chan struct{}) {
	ping := time.NewTicker(socketPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case event := <-stream:
			envelope := wsEnvelope{
				Type:      string(event.Type),
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
			}
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
