// Package hub owns websocket connections and is the subscriber's per-socket
// delivery primitive. Clients manage their subscriptions over the socket with
// small JSON action messages.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
	"github.com/FortiumPartners/claude-config-sub021/pkg/subscriber"
)

type clientConn struct {
	conn *websocket.Conn
	info subscriber.SocketInfo
	mu   sync.Mutex
}

func (cc *clientConn) send(data []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*clientConn

	sub *subscriber.Subscriber
}

func New() *Hub {
	return &Hub{clients: make(map[string]*clientConn)}
}

// Bind attaches the subscriber after construction; the hub and subscriber
// reference each other, so the hub is built first.
func (h *Hub) Bind(sub *subscriber.Subscriber) {
	h.sub = sub
}

// Send delivers a payload to exactly one connection.
func (h *Hub) Send(socketID string, payload []byte) error {
	h.mu.RLock()
	cc, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("socket %s not connected", socketID)
	}
	return cc.send(payload)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// clientMessage is what clients send over the socket.
type clientMessage struct {
	Action         string             `json:"action"`
	EventTypes     []event.EventType  `json:"eventTypes,omitempty"`
	Rooms          []string           `json:"rooms,omitempty"`
	Filters        subscriber.Filters `json:"filters,omitempty"`
	ReplayHistory  bool               `json:"replayHistory,omitempty"`
	ReplayCount    int                `json:"replayCount,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
}

type serverMessage struct {
	Action            string `json:"action"`
	Success           bool   `json:"success"`
	SubscriptionID    string `json:"subscriptionId,omitempty"`
	EventsReplayed    int    `json:"eventsReplayed,omitempty"`
	UnsubscribedCount int    `json:"unsubscribedCount,omitempty"`
	Error             string `json:"error,omitempty"`
	Timestamp         int64  `json:"ts"`
}

func reply(cc *clientConn, msg serverMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := cc.send(data); err != nil {
		log.Printf("[HUB] send error socket=%s: %v", cc.info.SocketID, err)
	}
}

// HandleClientConn runs the read loop for one connection. On disconnect every
// subscription owned by the socket is torn down.
func (h *Hub) HandleClientConn(c *websocket.Conn, userID, organizationID, role string) {
	info := subscriber.SocketInfo{
		SocketID:       event.NewSocketID(),
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
	}
	cc := &clientConn{conn: c, info: info}

	h.mu.Lock()
	h.clients[info.SocketID] = cc
	h.mu.Unlock()

	log.Printf("[HUB] client connected socket=%s user=%s org=%s total=%d",
		info.SocketID, userID, organizationID, h.ClientCount())

	defer func() {
		h.mu.Lock()
		delete(h.clients, info.SocketID)
		h.mu.Unlock()
		if h.sub != nil {
			res := h.sub.Unsubscribe(info.SocketID, "")
			if res.UnsubscribedCount > 0 {
				log.Printf("[HUB] tore down %d subscriptions for socket=%s", res.UnsubscribedCount, info.SocketID)
			}
		}
		c.Close()
		log.Printf("[HUB] client disconnected socket=%s total=%d", info.SocketID, h.ClientCount())
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply(cc, serverMessage{Action: "error", Error: "invalid JSON"})
			continue
		}

		switch msg.Action {
		case "ping":
			reply(cc, serverMessage{Action: "pong", Success: true})

		case "subscribe":
			res, err := h.sub.Subscribe(info, subscriber.SubscribeRequest{
				EventTypes:    msg.EventTypes,
				Rooms:         msg.Rooms,
				Filters:       msg.Filters,
				ReplayHistory: msg.ReplayHistory,
				ReplayCount:   msg.ReplayCount,
			})
			if err != nil {
				reply(cc, serverMessage{Action: "error", Error: res.Error})
				continue
			}
			reply(cc, serverMessage{
				Action:         "subscribed",
				Success:        true,
				SubscriptionID: res.SubscriptionID,
				EventsReplayed: res.EventsReplayed,
			})

		case "unsubscribe":
			res := h.sub.Unsubscribe(info.SocketID, msg.SubscriptionID)
			if !res.Success {
				reply(cc, serverMessage{Action: "error", Error: "subscription not found"})
				continue
			}
			reply(cc, serverMessage{
				Action:            "unsubscribed",
				Success:           true,
				UnsubscribedCount: res.UnsubscribedCount,
			})

		case "update_filters":
			owned := false
			if sub, ok := h.sub.SubscriptionByID(msg.SubscriptionID); ok && sub.SocketID == info.SocketID {
				owned = true
			}
			if !owned {
				reply(cc, serverMessage{Action: "error", Error: "subscription not found"})
				continue
			}
			if err := h.sub.UpdateFilters(msg.SubscriptionID, msg.Filters); err != nil {
				reply(cc, serverMessage{Action: "error", Error: err.Error()})
				continue
			}
			reply(cc, serverMessage{Action: "filters_updated", Success: true, SubscriptionID: msg.SubscriptionID})

		default:
			reply(cc, serverMessage{Action: "error", Error: "unknown action: " + msg.Action})
		}
	}
}
