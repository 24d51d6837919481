package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridechat/internal/broker"
	"ridechat/internal/metrics"
	"ridechat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// client is one websocket connection and the groups it has joined
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	groups  map[string]bool
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from non-browser clients and are accepted.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("[WebSocket] upgrade error")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, groups: make(map[string]bool)}

	h.ClientMu.Lock()
	h.Clients[c] = true
	totalClients := len(h.Clients)
	h.ClientMu.Unlock()
	metrics.ConnectedClients.Inc()

	h.Log.Info().Int("clients", totalClients).Msg("[WebSocket] New connection")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			remainingClients := h.removeClient(c)
			h.Log.Info().Int("clients", remainingClients).Msg("[WebSocket] Client disconnected")
			return
		}
		h.handleEvent(r.Context(), c, data)
	}
}

func (h *Handler) handleEvent(ctx context.Context, c *client, data []byte) {
	ev, err := model.Decode(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("unknown", "rejected").Inc()
		h.Log.Warn().Err(err).Msg("[WebSocket] invalid event")
		h.reject(c, err.Error())
		return
	}

	switch e := ev.(type) {
	case model.JoinEvent:
		if err := broker.CheckGroup(h.Broker, e.GroupID); err != nil {
			metrics.EventsTotal.WithLabelValues(ev.EventName(), "rejected").Inc()
			h.reject(c, err.Error())
			return
		}
		h.join(c, e.GroupID)
	case model.LeaveEvent:
		h.leave(c, e.GroupID)
	case model.SendEvent:
		if err := h.relay(ctx, e.Message); err != nil {
			metrics.EventsTotal.WithLabelValues(ev.EventName(), "rejected").Inc()
			h.reject(c, err.Error())
			return
		}
	default:
		metrics.EventsTotal.WithLabelValues(ev.EventName(), "rejected").Inc()
		h.reject(c, "unexpected event "+ev.EventName())
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.EventName(), "ok").Inc()
}

// join adds c to groupID. Membership is a set, so joining twice changes nothing.
func (h *Handler) join(c *client, groupID string) {
	h.ClientMu.Lock()
	defer h.ClientMu.Unlock()
	if h.Groups[groupID] == nil {
		h.Groups[groupID] = make(map[*client]bool)
	}
	h.Groups[groupID][c] = true
	c.groups[groupID] = true
	h.Log.Debug().Str("group", groupID).Int("members", len(h.Groups[groupID])).Msg("[WebSocket] joined")
}

func (h *Handler) leave(c *client, groupID string) {
	h.ClientMu.Lock()
	defer h.ClientMu.Unlock()
	h.leaveLocked(c, groupID)
}

func (h *Handler) leaveLocked(c *client, groupID string) {
	delete(c.groups, groupID)
	if members, ok := h.Groups[groupID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.Groups, groupID)
		}
	}
}

func (h *Handler) removeClient(c *client) int {
	h.ClientMu.Lock()
	defer h.ClientMu.Unlock()
	for groupID := range c.groups {
		h.leaveLocked(c, groupID)
	}
	if h.Clients[c] {
		delete(h.Clients, c)
		metrics.ConnectedClients.Dec()
	}
	return len(h.Clients)
}

// relay stamps, persists and publishes msg for every member of its group
func (h *Handler) relay(ctx context.Context, msg model.Message) error {
	// a message that cannot be published must not reach history either
	if err := broker.CheckGroup(h.Broker, msg.GroupID); err != nil {
		return err
	}
	msg.Timestamp = time.Now().UTC()
	msg = msg.Delivered()

	log := h.Log.With().Str("group", msg.GroupID).Str("id", msg.ID).Logger()

	if err := h.Store.Save(ctx, msg); err != nil {
		log.Error().Err(err).Msg("[WebSocket] failed to store message")
		return err
	}

	payload, err := model.Encode(model.DeliveredEvent{Message: msg})
	if err != nil {
		return err
	}
	if err := h.Broker.Publish(ctx, msg.GroupID, payload); err != nil {
		log.Error().Err(err).Msg("[WebSocket] failed to publish message")
		return err
	}
	log.Debug().Msg("[WebSocket] message relayed")
	return nil
}

// HandleBroadcast delivers a published payload to this instance's members of groupID
func (h *Handler) HandleBroadcast(groupID string, payload []byte) {
	// メンバーをスナップショットしてからロックを外す
	h.ClientMu.RLock()
	members := make([]*client, 0, len(h.Groups[groupID]))
	for c := range h.Groups[groupID] {
		members = append(members, c)
	}
	h.ClientMu.RUnlock()

	for _, c := range members {
		if err := c.write(payload); err != nil {
			h.Log.Warn().Err(err).Str("group", groupID).Msg("[WebSocket] write failed, dropping client")
			c.conn.Close()
			h.removeClient(c)
			continue
		}
		metrics.MessagesRelayed.Inc()
	}
}

func (h *Handler) reject(c *client, reason string) {
	data, err := model.Encode(model.ErrorEvent{Error: reason})
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		h.Log.Debug().Err(err).Msg("[WebSocket] failed to send error event")
	}
}
