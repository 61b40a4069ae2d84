package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a Publisher that broadcasts updates to websocket clients subscribed
// to a channel. A slow client drops messages instead of blocking publishers.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
}

// NewHub returns a Hub accepting connections from allowedOrigins. "*" or an
// empty list allows every origin.
func NewHub(allowedOrigins []string) *Hub {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Hub{
		channels: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Publish sends update to every subscriber of channel.
func (h *Hub) Publish(_ context.Context, channel string, update StatusUpdate) error {
	payload, err := json.Marshal(Message{Channel: channel, Topic: TopicStatus, Data: update})
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.channels[channel] {
		select {
		case sub.send <- payload:
		default:
			slog.Warn("Dropping status update for slow subscriber", "channel", channel, "nodeId", update.NodeID)
		}
	}
	return nil
}

// Subscribers returns the number of clients subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// ServeWS upgrades the request and subscribes the connection to channel until
// the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "channel", channel, "error", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(channel, sub)
	slog.Info("Realtime client subscribed", "channel", channel, "subscribers", h.Subscribers(channel))

	go h.writePump(sub)
	h.readPump(channel, sub)
}

func (h *Hub) register(channel string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*subscriber]struct{})
	}
	h.channels[channel][sub] = struct{}{}
}

func (h *Hub) unregister(channel string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	// Publish holds the read lock while sending, so closing here is safe.
	close(sub.send)
}

// readPump discards client frames and unregisters on disconnect.
func (h *Hub) readPump(channel string, sub *subscriber) {
	defer func() {
		h.unregister(channel, sub)
		sub.conn.Close()
		slog.Info("Realtime client unsubscribed", "channel", channel)
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
