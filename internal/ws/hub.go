// Package ws is the push side of the broadcast hub: topic-keyed rooms over
// WebSocket, plus a session registry binding authenticated connections to
// their account topic so settlement outcomes reach the right client.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"odds-market/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub manages per-topic WebSocket subscriptions.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*conn]bool // topic -> set of conns
	sessions map[*conn]string          // session registry: conn -> account id
	secret   []byte
	log      *zap.Logger
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool
}

func NewHub(secret string, log *zap.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*conn]bool),
		sessions: make(map[*conn]string),
		secret:   []byte(secret),
		log:      log,
	}
}

// Publish sends a message to all subscribers of a topic. Fire-and-forget:
// slow clients are dropped rather than blocking the publisher. The read lock
// is held across the sends: they never block, and removeConn closes send
// channels under the write lock, so a send can never hit a closed channel.
func (h *Hub) Publish(topic, msgType string, data any) {
	b, err := json.Marshal(pubsub.Envelope{Topic: topic, Type: msgType, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[topic] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, 64),
		hub:    h,
		topics: make(map[string]bool),
	}
	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// Client messages: {"action":"subscribe","topic":"event:..."},
		// {"action":"unsubscribe","topic":"..."}, {"action":"auth","token":"..."}
		var req struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
			Token  string `json:"token"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, req.Topic)
		case "unsubscribe":
			c.hub.unsubscribe(c, req.Topic)
		case "auth":
			c.hub.authenticate(c, req.Token)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

// authenticate verifies a token and binds the connection to its account,
// joining the account topic so settlement outcomes reach it.
func (h *Hub) authenticate(c *conn, token string) {
	accountID, err := h.verifyToken(token)
	if err != nil {
		h.log.Warn("ws auth failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.sessions[c] = accountID
	h.mu.Unlock()
	h.subscribe(c, pubsub.AccountTopic(accountID))
	h.log.Debug("ws session authenticated", zap.String("account_id", accountID))
}

func (h *Hub) verifyToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return "", fmt.Errorf("unexpected signing method")
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	accountID, _ := claims["sub"].(string)
	if accountID == "" {
		return "", fmt.Errorf("missing subject")
	}
	return accountID, nil
}

func (h *Hub) subscribe(c *conn, topic string) {
	if topic == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[topic] = room
	}
	room[c] = true
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

func (h *Hub) leaveLocked(c *conn, topic string) {
	if room, ok := h.rooms[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	delete(c.topics, topic)
}

// removeConn tears a session down: drops every room membership and the
// registry entry, then releases the writer.
func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
	delete(h.sessions, c)
	close(c.send)
}
