// Package socket maintains the persistent push channel to the Pulsefeed
// backend. One connection per session; events are decoded here and handed
// to the callbacks the sync engine registers, already normalized.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/httpx/upstream/pulse"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingPeriod       = 30 * time.Second
	defaultPongWait         = 60 * time.Second
	writeWait               = 10 * time.Second
	maxMessageSize          = 512 * 1024 // 512 KB
)

// Event names on the wire
const (
	eventMessage        = "message"
	eventMessageRead    = "message_read"
	eventMessageDeleted = "message_deleted"
	eventTypingStart    = "typing_start"
	eventTypingStop     = "typing_stop"
	eventUserOnline     = "user_online"
	eventUserOffline    = "user_offline"
)

// envelope is the wire framing for every event in both directions
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handlers receives decoded push events. All fields are optional; a nil
// handler drops the event. The sync engine is the single subscriber.
type Handlers struct {
	OnMessage        func(conversationID string, msg direct.Message)
	OnMessageRead    func(conversationID string)
	OnMessageDeleted func(messageID string)
	OnTypingStart    func(conversationID, fromUserID string)
	OnTypingStop     func(conversationID string)
	OnUserOnline     func(userID string)
	OnUserOffline    func(userID string)
	OnReconnect      func()
}

// Socket is the client side of the realtime channel
type Socket struct {
	rawURL           string
	token            string
	handshakeTimeout time.Duration
	pingPeriod       time.Duration
	backoffMin       time.Duration
	backoffMax       time.Duration
	logger           *slog.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	handlerMu sync.RWMutex
	handlers  Handlers

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures the Socket
type Option func(*Socket)

// WithPingPeriod overrides the keepalive ping interval
func WithPingPeriod(d time.Duration) Option {
	return func(s *Socket) { s.pingPeriod = d }
}

// WithBackoff sets the reconnect backoff bounds
func WithBackoff(min, max time.Duration) Option {
	return func(s *Socket) {
		s.backoffMin = min
		s.backoffMax = max
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

// New creates a socket client for the given backend URL and bearer token.
// Not yet connected; call Connect.
func New(rawURL, token string, opts ...Option) *Socket {
	s := &Socket{
		rawURL:           rawURL,
		token:            token,
		handshakeTimeout: defaultHandshakeTimeout,
		pingPeriod:       defaultPingPeriod,
		backoffMin:       time.Second,
		backoffMax:       30 * time.Second,
		logger:           slog.Default(),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandlers registers the event callbacks. Must be called before
// Connect; the subscription lifecycle is attach once, detach on Close.
func (s *Socket) SetHandlers(h Handlers) {
	s.handlerMu.Lock()
	s.handlers = h
	s.handlerMu.Unlock()
}

// Connect dials the backend and starts the read and keepalive loops
func (s *Socket) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.pingLoop(ctx)

	s.logger.Info("socket connected")
	return nil
}

// dial builds the websocket URL and establishes a connection
func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.buildURL()
	if err != nil {
		return nil, fmt.Errorf("build socket url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  s.handshakeTimeout,
		EnableCompression: true,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("socket dial: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	return conn, nil
}

func (s *Socket) buildURL() (string, error) {
	u, err := url.Parse(s.rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/socket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	}
	return u.String(), nil
}

// readLoop pumps events from the connection to the handlers, redialing
// on failure until Close or context cancellation. Missed events during a
// gap are not replayed by the server; OnReconnect lets the sync engine
// reconcile via a fresh fetch.
func (s *Socket) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		var env envelope
		err := conn.ReadJSON(&env)
		if err == nil {
			s.dispatch(env)
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Warn("socket read failed", "error", err)
		}

		if !s.reconnect(ctx) {
			return
		}
	}
}

// reconnect redials with capped exponential backoff. Returns false when
// shutdown was requested before a connection could be re-established.
func (s *Socket) reconnect(ctx context.Context) bool {
	backoff := s.backoffMin

	for {
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("socket reconnect failed", "error", err, "next_attempt_in", backoff.String())
			backoff *= 2
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}
			continue
		}

		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = conn
		s.connMu.Unlock()

		s.logger.Info("socket reconnected")

		s.handlerMu.RLock()
		onReconnect := s.handlers.OnReconnect
		s.handlerMu.RUnlock()
		if onReconnect != nil {
			onReconnect()
		}
		return true
	}
}

// pingLoop keeps the connection alive
func (s *Socket) pingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			// WriteControl is safe to call concurrently with the WriteJSON
			// in emit; WriteMessage is not.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("socket ping failed", "error", err)
			}
		}
	}
}

// dispatch decodes one event and routes it to the registered handler.
// A malformed payload is logged and dropped; the channel must never fail
// on a partial payload.
func (s *Socket) dispatch(env envelope) {
	s.handlerMu.RLock()
	h := s.handlers
	s.handlerMu.RUnlock()

	switch env.Event {
	case eventMessage:
		var payload struct {
			ConversationID string           `json:"conversationId"`
			Message        pulse.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		if h.OnMessage != nil {
			msg := pulse.NormalizeMessage(payload.Message)
			if msg.ConversationID == "" {
				msg.ConversationID = payload.ConversationID
			}
			h.OnMessage(payload.ConversationID, msg)
		}

	case eventMessageRead:
		var payload struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed message_read event", "error", err)
			return
		}
		if h.OnMessageRead != nil {
			h.OnMessageRead(payload.ConversationID)
		}

	case eventMessageDeleted:
		var payload struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed message_deleted event", "error", err)
			return
		}
		if h.OnMessageDeleted != nil {
			h.OnMessageDeleted(payload.MessageID)
		}

	case eventTypingStart:
		var payload struct {
			ConversationID string `json:"conversationId"`
			FromUserID     string `json:"fromUserId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed typing_start event", "error", err)
			return
		}
		if h.OnTypingStart != nil {
			h.OnTypingStart(payload.ConversationID, payload.FromUserID)
		}

	case eventTypingStop:
		var payload struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed typing_stop event", "error", err)
			return
		}
		if h.OnTypingStop != nil {
			h.OnTypingStop(payload.ConversationID)
		}

	case eventUserOnline, eventUserOffline:
		// Payload is a bare user id string
		var userID string
		if err := json.Unmarshal(env.Data, &userID); err != nil {
			s.logger.Warn("dropping malformed presence event", "event", env.Event, "error", err)
			return
		}
		if env.Event == eventUserOnline {
			if h.OnUserOnline != nil {
				h.OnUserOnline(userID)
			}
		} else if h.OnUserOffline != nil {
			h.OnUserOffline(userID)
		}

	default:
		s.logger.Debug("ignoring unknown socket event", "event", env.Event)
	}
}

// EmitTypingStart tells the peer the current user started typing
func (s *Socket) EmitTypingStart(conversationID, toUserID string) error {
	return s.emit(eventTypingStart, map[string]string{
		"conversationId": conversationID,
		"toUserId":       toUserID,
	})
}

// EmitTypingStop tells the peer the current user stopped typing
func (s *Socket) EmitTypingStop(conversationID, toUserID string) error {
	return s.emit(eventTypingStop, map[string]string{
		"conversationId": conversationID,
		"toUserId":       toUserID,
	})
}

func (s *Socket) emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("socket not connected")
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(envelope{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("emitting %s: %w", event, err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (s *Socket) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
	})
}
