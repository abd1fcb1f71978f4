package relay

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn is one client WebSocket.
type Conn struct {
	id        string
	ws        *websocket.Conn
	hub       *Hub
	mu        sync.Mutex
	topics    map[string]*subscription // wire topic -> subscription
	claims    jwt.MapClaims            // from the last valid access_token
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection and registers it with the hub.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	conn := &Conn{
		id:     uuid.New().String(),
		ws:     ws,
		hub:    h,
		topics: make(map[string]*subscription),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Send queues a message. Messages to a closed or saturated connection are
// dropped.
func (c *Conn) Send(msg *phx.Message) {
	data, err := msg.Encode()
	if err != nil {
		log.Error("relay: encode failed", "conn_id", c.id, "event", msg.Event, "error", err.Error())
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("relay: send buffer full, dropping message", "conn_id", c.id, "event", msg.Event)
	}
}

// Close closes the connection and leaves every topic.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// ReadPump reads frames until the socket fails.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("relay: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		// Any frame counts as liveness; phoenix clients heartbeat in-band.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := phx.DecodeMessage(data)
		if err != nil {
			log.Debug("relay: invalid message", "conn_id", c.id, "error", err.Error(), "len", len(data))
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump drains the send queue and pings the client.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Conn) handleMessage(msg *phx.Message) {
	switch msg.Event {
	case phx.EventHeartbeat:
		c.Send(phx.NewReply(phx.TopicPhoenix, "", msg.Ref, phx.StatusOK, map[string]any{}))
	case phx.EventJoin:
		c.handleJoin(msg)
	case phx.EventLeave:
		c.handleLeave(msg)
	case phx.EventBroadcast:
		c.handleBroadcast(msg)
	case phx.EventPresence:
		c.handlePresence(msg)
	case phx.EventAccessToken:
		c.handleAccessToken(msg)
	default:
		log.Debug("relay: unknown event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
	}
}

// handleJoin handles channel join requests. A second join of the same topic
// replaces the first, which is closed.
func (c *Conn) handleJoin(msg *phx.Message) {
	config, token, err := phx.ParseJoinPayload(msg.Payload)
	if err != nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", err.Error())
		return
	}

	// Static API keys are accepted as tokens but carry no claims.
	if token != "" {
		claims, err := c.hub.keys.parse(token)
		switch {
		case err == nil:
			c.setClaims(claims)
		case c.hub.keys.role(token) == "":
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_token", err.Error())
			return
		}
	}

	if config.Private && !c.authenticated() {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "unauthorized", "private channel requires authentication")
		return
	}

	// Bindings are numbered from 1 per join.
	for i := range config.PostgresChanges {
		config.PostgresChanges[i].ID = i + 1
	}

	sub := &subscription{
		conn:      c,
		joinRef:   msg.JoinRef,
		broadcast: config.Broadcast,
		presence:  config.Presence,
		changes:   config.PostgresChanges,
	}
	t, prev := c.hub.join(msg.Topic, config.Private, sub)
	if prev != nil {
		if presence := t.getPresence(); presence != nil && prev.presence.Key != "" {
			t.presenceDiff(nil, presence.untrack(prev.presence.Key, c.id))
		}
		c.Send(&phx.Message{Event: phx.EventClose, Topic: msg.Topic, JoinRef: prev.joinRef, Payload: map[string]any{}})
	}

	c.mu.Lock()
	c.topics[msg.Topic] = sub
	c.mu.Unlock()

	c.Send(phx.NewJoinReply(msg.Topic, msg.JoinRef, config.PostgresChanges))

	for _, b := range config.PostgresChanges {
		sys := phx.NewSystemMessage(msg.Topic, msg.JoinRef, phx.StatusOK, "Subscribed to PostgreSQL", "postgres_changes")
		sys.Payload["subscription_id"] = b.ID
		c.Send(sys)
	}

	if presence := t.getPresence(); presence != nil {
		c.Send(phx.NewPresenceStateMessage(msg.Topic, msg.JoinRef, presence.snapshot()))
	}
	log.Debug("relay: joined", "conn_id", c.id, "topic", msg.Topic, "bindings", len(config.PostgresChanges), "presence_key", config.Presence.Key)
}

// handleLeave handles channel leave requests. A leave for an older join of
// the topic is acknowledged and ignored.
func (c *Conn) handleLeave(msg *phx.Message) {
	c.mu.Lock()
	sub, ok := c.topics[msg.Topic]
	if ok && (msg.JoinRef == "" || msg.JoinRef == sub.joinRef) {
		delete(c.topics, msg.Topic)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok {
		if t := c.hub.getTopic(msg.Topic); t != nil {
			c.hub.leave(t, sub)
		}
	}
	c.Send(phx.NewReply(msg.Topic, msg.JoinRef, msg.Ref, phx.StatusOK, map[string]any{}))
}

// handleBroadcast relays a client broadcast to the topic, honouring the
// sender's self and ack options.
func (c *Conn) handleBroadcast(msg *phx.Message) {
	sub := c.subscription(msg.Topic)
	if sub == nil {
		log.Debug("relay: broadcast on unjoined topic", "conn_id", c.id, "topic", msg.Topic)
		return
	}

	event, payload := phx.ParseBroadcast(msg)
	excludeID := ""
	if !sub.broadcast.Self {
		excludeID = c.id
	}
	c.hub.deliverBroadcast(msg.Topic, event, payload, excludeID)
	c.hub.publish(Envelope{Kind: KindBroadcast, Topic: msg.Topic, Event: event, Payload: payload})

	if sub.broadcast.Ack {
		c.Send(phx.NewReply(msg.Topic, sub.joinRef, msg.Ref, phx.StatusOK, map[string]any{}))
	}
}

// handlePresence handles presence track and untrack.
func (c *Conn) handlePresence(msg *phx.Message) {
	sub := c.subscription(msg.Topic)
	if sub == nil || sub.presence.Key == "" {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "presence_disabled", "presence not enabled for this join")
		return
	}
	t := c.hub.getTopic(msg.Topic)
	if t == nil {
		return
	}
	presence := t.enablePresence()

	eventType, _ := msg.Payload["event"].(string)
	if eventType == "" {
		eventType, _ = msg.Payload["type"].(string)
	}
	payload, _ := msg.Payload["payload"].(map[string]any)

	switch eventType {
	case "track":
		joins, leaves := presence.track(sub.presence.Key, c.id, payload)
		t.presenceDiff(joins, leaves)
	case "untrack":
		t.presenceDiff(nil, presence.untrack(sub.presence.Key, c.id))
	default:
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", "unknown presence event "+eventType)
		return
	}
	c.Send(phx.NewReply(msg.Topic, sub.joinRef, msg.Ref, phx.StatusOK, map[string]any{}))
}

// handleAccessToken refreshes the connection's JWT
func (c *Conn) handleAccessToken(msg *phx.Message) {
	token, _ := msg.Payload["access_token"].(string)
	if token == "" {
		return
	}
	claims, err := c.hub.keys.parse(token)
	if err != nil {
		log.Debug("relay: invalid access_token refresh", "conn_id", c.id, "error", err.Error())
		return
	}
	c.setClaims(claims)
}

func (c *Conn) subscription(topic string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *Conn) setClaims(claims jwt.MapClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = claims
}

// authenticated reports whether the connection presented a user or
// service token.
func (c *Conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		return false
	}
	role, _ := c.claims["role"].(string)
	return role != "" && role != RoleAnon
}

// sendError sends an error reply
func (c *Conn) sendError(topic, joinRef, ref, code, reason string) {
	c.Send(phx.NewReply(topic, joinRef, ref, phx.StatusError, map[string]any{
		"code":   code,
		"reason": reason,
	}))
}
