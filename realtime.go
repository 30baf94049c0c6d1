package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format of every pushed event.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messageNewPayload struct {
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}

type realtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push listener.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	clock       clockwork.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime listens on the server's WebSocket for messages pushed into the
// user's chats. Each new message is merged into the open chat thread and
// published as MessageReceived, which keeps the cached chat list current
// without waiting for the next poll.
type Realtime struct {
	engine *Engine
	url    string
	config *RealtimeConfig
	logger *slog.Logger
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewRealtime creates a push listener against baseURL (http or https; the
// scheme is switched to ws or wss).
func (e *Engine) NewRealtime(baseURL string, config *RealtimeConfig) *Realtime {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()

	wsURL := strings.TrimRight(baseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/"
	if config.Token != "" {
		wsURL += "?token=" + url.QueryEscape(config.Token)
	}

	rt := &Realtime{
		engine: e,
		url:    wsURL,
		config: config,
		logger: e.logger.With("realtime", true),
		recon: &reconnector{
			clock:       e.clock,
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
		state: RealtimeDisconnected,
	}

	e.mu.Lock()
	if !e.closed {
		e.pushes[rt] = struct{}{}
	}
	e.mu.Unlock()
	return rt
}

// State returns the current connection state.
func (rt *Realtime) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Realtime) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

// Connect dials the server and waits for the "authenticated" greeting. The
// read loop keeps running until ctx ends, Disconnect is called or the
// engine is closed.
func (rt *Realtime) Connect(ctx context.Context) error {
	if rt.engine.isClosed() {
		return ErrClosed
	}
	rt.mu.Lock()
	if rt.state == RealtimeConnected || rt.state == RealtimeConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = RealtimeConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	var opts *websocket.DialOptions
	if rt.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: rt.config.HTTPClient}
	}
	conn, resp, err := websocket.Dial(ctx, rt.url, opts)
	if err != nil {
		rt.setState(RealtimeDisconnected)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			apiErr := &APIError{Status: resp.StatusCode, Detail: "realtime handshake rejected"}
			rt.engine.expireSession(apiErr)
			return apiErr
		}
		return &NetworkError{Op: "websocket dial", Err: err}
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(RealtimeDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(RealtimeDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.conn = conn
	rt.state = RealtimeConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	if rt.engine.isClosed() {
		rt.Disconnect()
		return ErrClosed
	}
	rt.recon.markConnected()
	rt.logger.Info("realtime connected")

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and disables reconnects.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = RealtimeDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if !intentional {
				rt.state = RealtimeDisconnected
				rt.conn = nil
			}
			rt.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}

			rt.logger.Warn("realtime connection lost", "err", err)
			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			rt.logger.Debug("realtime frame dropped", "bytes", len(data))
			continue
		}
		rt.dispatch(env)
	}
}

func (rt *Realtime) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "message.new":
		var p messageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			rt.logger.Debug("bad message.new payload", "err", err)
			return
		}
		if p.ChatID == "" {
			p.ChatID = p.Message.ChatID
		}
		rt.engine.receiveMessage(p.ChatID, p.Message)
	case "error":
		var p realtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.logger.Warn("realtime server error", "message", p.Message)
		}
	}
}

func (rt *Realtime) scheduleReconnect(ctx context.Context) {
	for {
		delay := rt.recon.nextDelay()
		rt.setState(RealtimeReconnecting)
		rt.logger.Info("realtime reconnecting", "attempt", rt.recon.attempt, "delay", delay)

		select {
		case <-ctx.Done():
			rt.setState(RealtimeDisconnected)
			return
		case <-rt.engine.clock.After(delay):
		}

		err := rt.Connect(ctx)
		if err == nil {
			return
		}
		if IsUnauthorized(err) || errors.Is(err, ErrClosed) || !rt.recon.shouldReconnect() {
			rt.setState(RealtimeDisconnected)
			return
		}
	}
}

// receiveMessage folds a pushed message into the chat's thread, if one is
// open, and publishes it. Our own messages echoed back are ignored.
func (e *Engine) receiveMessage(chatID string, msg Message) {
	if chatID == "" || msg.ID == "" || e.isClosed() {
		return
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	if t, ok := e.existingChatThread(chatID); ok {
		if !t.Receive(msg) {
			return
		}
	}
	e.bus.Emit(MessageReceived{ChatID: chatID, Message: msg})
}
