package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/florianilch/chatdesk/internal/observability"
)

const (
	// DefaultHandshakeTimeout bounds dial plus handshake acknowledgement.
	DefaultHandshakeTimeout = 5 * time.Second

	defaultWriteTimeout = 10 * time.Second
)

// Option configures a Channel.
type Option func(*Channel)

// WithHandshakeTimeout overrides the handshake bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.handshakeTimeout = d
	}
}

// WithDialer sets the websocket dialer, e.g. for proxies or TLS settings.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithMetrics records connection state and event counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithBus shares an existing bus, so handlers survive channel replacement.
func WithBus(b *Bus) Option {
	return func(c *Channel) {
		c.bus = b
	}
}

// Channel is a single realtime connection with topic membership.
type Channel struct {
	url              string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	bus              *Bus
	metrics          *observability.Metrics

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	gen           uint64
	cancelConnect context.CancelFunc
	topics        *topicSet

	// membershipMu orders topic changes with the frames announcing them.
	// Acquired before mu.
	membershipMu sync.Mutex

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex
}

// NewChannel creates a disconnected Channel for the realtime endpoint.
// http and https URLs are mapped to ws and wss.
func NewChannel(rawURL string, opts ...Option) (*Channel, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		url:              wsURL,
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		topics:           newTopicSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewBus()
	}
	return c, nil
}

func websocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime URL %q: unsupported scheme", rawURL)
	}
	return u.String(), nil
}

// Bus returns the event bus handlers are registered on.
func (c *Channel) Bus() *Bus {
	return c.bus
}

// On registers h for an inbound event. The returned func removes it.
func (c *Channel) On(event string, h Handler) func() {
	return c.bus.On(event, h)
}

// Off removes every handler for event.
func (c *Channel) Off(event string) {
	c.bus.Off(event)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics returns the joined topics in join order.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics.list()
}

// Connect dials the realtime endpoint and authenticates with token. It is a
// no-op unless the channel is Disconnected. Failures are logged and leave the
// channel Disconnected. On success every remembered topic is re-joined.
func (c *Channel) Connect(ctx context.Context, token string) {
	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		slog.DebugContext(ctx, "realtime connect ignored", "state", state.String())
		return
	}
	c.gen++
	gen := c.gen
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	c.cancelConnect = cancel
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	defer cancel()

	conn, err := c.handshake(hctx, token)

	c.membershipMu.Lock()
	c.mu.Lock()
	if c.gen != gen {
		// Disconnect was called while the handshake was in flight
		c.mu.Unlock()
		c.membershipMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelConnect = nil
	if err != nil {
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.membershipMu.Unlock()
		slog.WarnContext(ctx, "realtime channel unavailable, continuing without realtime updates",
			"error", &ChannelError{Op: "connect", Err: err})
		return
	}
	c.conn = conn
	c.setStateLocked(Connected)
	topics := c.topics.list()
	c.mu.Unlock()

	slog.InfoContext(ctx, "realtime channel connected", "topics", len(topics))

	for _, topic := range topics {
		if err := c.write(conn, eventJoinConversation, topic); err != nil {
			slog.WarnContext(ctx, "failed to rejoin topic", "topic", topic,
				"error", &ChannelError{Op: "rejoin", Err: err})
		}
	}
	c.membershipMu.Unlock()

	handlerCtx := context.WithoutCancel(ctx)
	c.bus.Publish(handlerCtx, EventConnected, nil)
	go c.readLoop(handlerCtx, conn, gen)
}

// handshake dials and waits for the server's acknowledgement of token.
func (c *Channel) handshake(ctx context.Context, token string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Deadlines do not observe cancellation; closing the conn unblocks reads
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	data, err := json.Marshal(handshakePayload{Token: token})
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(envelope{Event: eventConnect, Data: data}); err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	var ack envelope
	readErr := conn.ReadJSON(&ack)
	if !stop() {
		return nil, fmt.Errorf("awaiting handshake ack: %w", context.Cause(ctx))
	}
	if readErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("awaiting handshake ack: %w", readErr)
	}

	switch ack.Event {
	case eventConnect:
	case eventConnectError:
		_ = conn.Close()
		var he handshakeError
		_ = json.Unmarshal(ack.Data, &he)
		if he.Message == "" {
			he.Message = "handshake rejected"
		}
		return nil, errors.New(he.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", ack.Event)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// readLoop dispatches inbound frames in arrival order until the transport fails.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(ctx, conn, gen, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			slog.DebugContext(ctx, "ignoring malformed realtime frame", "size", len(data))
			continue
		}
		c.metrics.ObserveRealtimeEvent("in", env.Event)
		c.bus.Publish(ctx, env.Event, env.Data)
	}
}

// lost moves the channel to Disconnected after transport loss. Topics are kept
// for the next explicit Connect; there is no automatic reconnection.
func (c *Channel) lost(ctx context.Context, conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()
	_ = conn.Close()

	reason := "transport closed"
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = err.Error()
	}
	slog.WarnContext(ctx, "realtime channel disconnected", "error", &ChannelError{Op: "read", Err: err})

	payload, _ := json.Marshal(DisconnectInfo{Reason: reason})
	c.bus.Publish(ctx, EventDisconnected, payload)
}

// Disconnect closes the connection and forgets all topics. It also aborts a
// handshake in progress.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.topics.clear()
	c.metrics.SetJoinedTopics(0)
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()

	payload, _ := json.Marshal(DisconnectInfo{Reason: "client disconnect"})
	c.bus.Publish(context.Background(), EventDisconnected, payload)
}

// Join subscribes to topic. While not connected the request is dropped with a
// warning; it is not queued for a later connection.
func (c *Channel) Join(topic string) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		slog.Warn("cannot join topic: realtime channel not connected", "topic", topic)
		return
	}
	conn := c.conn
	added := c.topics.add(topic)
	c.metrics.SetJoinedTopics(c.topics.len())
	c.mu.Unlock()

	if !added {
		return
	}

	if err := c.write(conn, eventJoinConversation, topic); err != nil {
		slog.Warn("failed to join topic", "topic", topic, "error", &ChannelError{Op: "join", Err: err})
		c.mu.Lock()
		c.topics.remove(topic)
		c.metrics.SetJoinedTopics(c.topics.len())
		c.mu.Unlock()
		return
	}
	slog.Debug("joined topic", "topic", topic)
}

// Leave forgets topic and, if connected, tells the server.
func (c *Channel) Leave(topic string) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	c.mu.Lock()
	c.topics.remove(topic)
	c.metrics.SetJoinedTopics(c.topics.len())
	var conn *websocket.Conn
	if c.state == Connected {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := c.write(conn, eventLeaveConversation, topic); err != nil {
		slog.Warn("failed to leave topic", "topic", topic, "error", &ChannelError{Op: "leave", Err: err})
		return
	}
	slog.Debug("left topic", "topic", topic)
}

// Emit sends an arbitrary event. Returns ErrNotConnected unless connected.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, payload)
}

// StartTyping tells the conversation the operator is typing.
func (c *Channel) StartTyping(conversationID string) error {
	return c.Emit(EventTypingStart, typingPayload{ConversationID: conversationID})
}

// StopTyping tells the conversation the operator stopped typing.
func (c *Channel) StopTyping(conversationID string) error {
	return c.Emit(EventTypingStop, typingPayload{ConversationID: conversationID})
}

// UpdateOperatorStatus announces the operator's availability.
func (c *Channel) UpdateOperatorStatus(status OperatorStatus) error {
	if !status.valid() {
		return fmt.Errorf("invalid operator status %q", status)
	}
	return c.Emit(eventOperatorStatus, operatorStatusPayload{Status: status})
}

// MarkAsRead acknowledges a message.
func (c *Channel) MarkAsRead(conversationID, messageID string) error {
	return c.Emit(eventMessageRead, messageReadPayload{ConversationID: conversationID, MessageID: messageID})
}

func (c *Channel) write(conn *websocket.Conn, event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", event, err)
		}
		data = b
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(envelope{Event: event, Data: data}); err != nil {
		return err
	}
	c.metrics.ObserveRealtimeEvent("out", event)
	return nil
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	c.metrics.SetRealtimeState(int(s))
}
