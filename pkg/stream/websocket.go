package stream

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WebSocketHandler serves the broadcast stream over WebSocket. Each text
// frame sent carries exactly one message; each frame received is one command.
type WebSocketHandler struct {
	hub      *Hub
	handler  CommandHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler sharing hub with the TCP server.
func NewWebSocketHandler(hub *Hub, handler CommandHandler, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:     hub,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	client := h.hub.Register("websocket", r.RemoteAddr)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, client, done)
	}()

	h.readLoop(r.Context(), conn, client)

	close(done)
	h.hub.Unregister(client)
	conn.Close()
	<-writerDone
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(MaxLineLen)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket read failed", "client", client.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if reply := dispatch(ctx, h.handler, data, h.logger); reply != nil {
			client.Send(reply)
		}
	}
}

func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	msgs := make(chan []byte)
	go func() {
		defer close(msgs)
		for {
			msg, ok := client.Next(done)
			if !ok {
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(msg, []byte("\n"))); err != nil {
				h.logger.Info("websocket write failed", "client", client.ID, "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
