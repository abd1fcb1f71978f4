// Package phoenix implements the transport contract over a Phoenix v1
// WebSocket, as spoken by Supabase realtime and the fitdesk relay.
package phoenix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Config configures the WebSocket client.
type Config struct {
	// URL is the realtime endpoint, e.g. "http://localhost:8080/realtime/v1".
	// http(s) schemes are mapped to ws(s); "/websocket" is appended.
	URL string

	// APIKey is sent as the apikey query parameter.
	APIKey string

	// AccessToken is sent with every join. Empty falls back to APIKey.
	AccessToken string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// DefaultConfig returns the default client configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		JoinTimeout:       10 * time.Second,
	}
}

// Client is a transport.Client backed by a single WebSocket. The socket is
// dialed lazily on the first Subscribe and again after it is lost.
type Client struct {
	cfg Config
	ref atomic.Uint64

	mu       sync.Mutex
	conn     *socket
	channels map[string]*channel // join ref -> channel
	closed   bool
}

// socket is one dialed connection. Pending replies and the heartbeat belong
// to it and die with it.
type socket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	pending   map[string]chan *phx.Message
	heartbeat string // ref of the unanswered heartbeat
}

// New creates a client. Nothing is dialed until a channel subscribes.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		channels: make(map[string]*channel),
	}
}

// Endpoint returns the WebSocket URL the client dials.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel returns a new, unsubscribed channel.
func (c *Client) Channel(name string, cfg transport.ChannelConfig) transport.Channel {
	return &channel{
		client: c,
		name:   name,
		topic:  phx.Topic(name),
		cfg:    cfg,
	}
}

// RemoveChannel leaves the channel. The leave is sent without waiting for
// the server's reply; the channel stops delivering immediately.
func (c *Client) RemoveChannel(ctx context.Context, ch transport.Channel) error {
	pc, ok := ch.(*channel)
	if !ok || pc.client != c {
		return fmt.Errorf("phoenix: foreign channel %q", ch.Name())
	}

	prev, joinRef := pc.close()
	if prev == stateClosed {
		return nil
	}
	c.forget(joinRef)

	var err error
	if prev == stateJoined || prev == stateJoining {
		if s := c.current(); s != nil {
			err = s.write(phx.NewLeave(pc.topic, joinRef, c.nextRef()))
		}
	}
	pc.notify(transport.StatusClosed, nil)
	if err != nil {
		return fmt.Errorf("leave %s: %w", pc.name, err)
	}
	return nil
}

// SetAccessToken updates the token used by subsequent joins and pushes it to
// every joined channel.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.cfg.AccessToken = token
	s := c.conn
	joined := c.joinedLocked()
	c.mu.Unlock()

	if s == nil {
		return
	}
	for _, ch := range joined {
		msg := &phx.Message{
			Event:   phx.EventAccessToken,
			Topic:   ch.topic,
			JoinRef: ch.currentJoinRef(),
			Ref:     c.nextRef(),
			Payload: map[string]any{"access_token": token},
		}
		if err := s.write(msg); err != nil {
			log.Debug("phoenix: access token push failed", "channel", ch.name, "error", err.Error())
		}
	}
}

// Close shuts the socket down. Joined channels receive CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.conn
	c.conn = nil
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	for _, ch := range channels {
		if prev, _ := ch.close(); prev != stateClosed {
			ch.notify(transport.StatusClosed, nil)
		}
	}
	if s == nil {
		return nil
	}
	s.writeMu.Lock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.shutdown()
	return nil
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.AccessToken != "" {
		return c.cfg.AccessToken
	}
	return c.cfg.APIKey
}

func (c *Client) current() *socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// connect returns the live socket, dialing one if needed.
func (c *Client) connect(ctx context.Context) (*socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrNotConnected
	}
	if c.conn != nil {
		return c.conn, nil
	}

	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial: %v (status %d)", transport.ErrNotConnected, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", transport.ErrNotConnected, err)
	}
	ws.SetReadLimit(maxMessageSize)

	s := &socket{
		ws:      ws,
		done:    make(chan struct{}),
		pending: make(map[string]chan *phx.Message),
	}
	c.conn = s
	go c.readLoop(s)
	go c.heartbeatLoop(s)
	log.Debug("phoenix: connected", "url", c.cfg.URL)
	return s, nil
}

func (c *Client) track(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.currentJoinRef()] = ch
}

func (c *Client) forget(joinRef string) {
	if joinRef == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, joinRef)
}

func (c *Client) joinedLocked() []*channel {
	var out []*channel
	for _, ch := range c.channels {
		if ch.isJoined() {
			out = append(out, ch)
		}
	}
	return out
}

// joining returns the channel whose join msg replies to.
func (c *Client) joining(msg *phx.Message) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[msg.Ref]; ok && ch.topic == msg.Topic && msg.Ref == msg.JoinRef {
		return ch
	}
	return nil
}

// route finds the channels a server message is addressed to.
func (c *Client) route(msg *phx.Message) []*channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.JoinRef != "" {
		if ch, ok := c.channels[msg.JoinRef]; ok && ch.topic == msg.Topic {
			return []*channel{ch}
		}
		return nil
	}
	var out []*channel
	for _, ch := range c.channels {
		if ch.topic == msg.Topic {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Client) readLoop(s *socket) {
	defer c.lost(s)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("phoenix: read error", "error", err.Error())
			}
			return
		}

		msg, err := phx.DecodeMessage(data)
		if err != nil {
			log.Debug("phoenix: invalid message", "error", err.Error(), "len", len(data))
			continue
		}
		c.dispatch(s, msg)
	}
}

func (c *Client) dispatch(s *socket, msg *phx.Message) {
	if msg.Event == phx.EventReply {
		if msg.Topic == phx.TopicPhoenix {
			s.ackHeartbeat(msg.Ref)
			return
		}
		if ch := c.joining(msg); ch != nil {
			ch.handleJoinReply(msg)
			return
		}
		if s.resolve(msg) {
			return
		}
	}

	for _, ch := range c.route(msg) {
		switch msg.Event {
		case phx.EventClose:
			c.forget(ch.currentJoinRef())
			if ch.transition(stateJoined, stateClosed) {
				ch.notify(transport.StatusClosed, nil)
			}
		case phx.EventError:
			c.forget(ch.currentJoinRef())
			if ch.transition(stateJoined, stateClosed) {
				ch.notify(transport.StatusChannelError, fmt.Errorf("%w: server error", transport.ErrChannelClosed))
			}
		case phx.EventPostgres:
			ch.deliverChange(msg.Payload)
		case phx.EventBroadcast:
			event, payload := phx.ParseBroadcast(msg)
			ch.deliverBroadcast(event, payload)
		case phx.EventPresenceState:
			ch.resetPresence(msg.Payload)
		case phx.EventPresenceDiff:
			ch.applyPresenceDiff(msg.Payload)
		case phx.EventSystem:
			log.Debug("phoenix: system message", "channel", ch.name, "payload", msg.Payload)
		}
	}
}

// lost runs when the read loop of s ends. Every channel joined over s
// receives CHANNEL_ERROR; pending pushes are released.
func (c *Client) lost(s *socket) {
	s.shutdown()

	c.mu.Lock()
	if c.conn != s {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	joined := c.joinedLocked()
	for _, ch := range joined {
		delete(c.channels, ch.currentJoinRef())
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if len(joined) > 0 {
		log.Warn("phoenix: connection lost", "channels", len(joined))
	}
	for _, ch := range joined {
		if ch.transition(stateJoined, stateClosed) {
			ch.notify(transport.StatusChannelError, fmt.Errorf("%w: connection lost", transport.ErrNotConnected))
		}
	}
}

func (c *Client) heartbeatLoop(s *socket) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ref := c.nextRef()
			if !s.beginHeartbeat(ref) {
				log.Warn("phoenix: heartbeat timeout")
				s.shutdown()
				return
			}
			if err := s.write(phx.NewHeartbeat(ref)); err != nil {
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// write sends one frame. Writers are serialized.
func (s *socket) write(msg *phx.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return transport.ErrNotConnected
	default:
	}
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return nil
}

// push sends msg and returns a channel receiving its reply. The channel is
// closed without a value if the socket goes away first.
func (s *socket) push(msg *phx.Message) (<-chan *phx.Message, error) {
	reply := make(chan *phx.Message, 1)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, transport.ErrNotConnected
	default:
	}
	s.pending[msg.Ref] = reply
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.drop(msg.Ref)
		return nil, err
	}
	return reply, nil
}

func (s *socket) resolve(msg *phx.Message) bool {
	s.mu.Lock()
	reply, ok := s.pending[msg.Ref]
	delete(s.pending, msg.Ref)
	s.mu.Unlock()
	if ok {
		reply <- msg
	}
	return ok
}

func (s *socket) drop(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ref)
}

// beginHeartbeat records ref as outstanding. It reports false when the
// previous heartbeat was never answered.
func (s *socket) beginHeartbeat(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != "" {
		return false
	}
	s.heartbeat = ref
	return true
}

func (s *socket) ackHeartbeat(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat == ref {
		s.heartbeat = ""
	}
}

func (s *socket) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()

		s.mu.Lock()
		for ref, reply := range s.pending {
			close(reply)
			delete(s.pending, ref)
		}
		s.mu.Unlock()
	})
}

// errReplyTimeout is returned when a push is not acknowledged in time.
var errReplyTimeout = errors.New("phoenix: reply timeout")

var _ transport.Client = (*Client)(nil)
