package zele

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

// ============================================================================
// Wire format
// ============================================================================

// envelope is the wire format for every realtime event in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the realtime connection manager.
type ConnectionConfig struct {
	Token                string
	Path                 string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *ConnectionConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ============================================================================
// Listener registry
// ============================================================================

type listener[F any] struct {
	id int
	fn F
}

// listeners is a multi-subscriber registry. Snapshots preserve registration order.
type listeners[F any] struct {
	mu      sync.RWMutex
	next    int
	entries []listener[F]
}

func (l *listeners[F]) add(fn F) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, listener[F]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[F]) snapshot() []F {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

func (l *listeners[F]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Session
// ============================================================================

// EventHandler receives the raw data of an inbound event.
type EventHandler func(data json.RawMessage)

// Session is the handle returned by Initialize. It stays valid across
// reconnects for the same user; handlers registered on it survive them.
type Session struct {
	cm     *ConnectionManager
	userID string

	mu       sync.Mutex
	handlers map[string]*listeners[EventHandler]
}

func newSession(cm *ConnectionManager, userID string) *Session {
	return &Session{cm: cm, userID: userID, handlers: make(map[string]*listeners[EventHandler])}
}

// UserID returns the user the session is registered for.
func (s *Session) UserID() string { return s.userID }

// Connected reports whether this session currently owns a live connection.
func (s *Session) Connected() bool {
	s.cm.mu.Lock()
	defer s.cm.mu.Unlock()
	return s.cm.session == s && s.cm.state == StateConnected
}

// On registers a handler for an inbound event. Handlers run synchronously on
// the read goroutine in arrival order and must not block on acknowledgements.
func (s *Session) On(event string, h EventHandler) func() {
	s.mu.Lock()
	l, ok := s.handlers[event]
	if !ok {
		l = &listeners[EventHandler]{}
		s.handlers[event] = l
	}
	s.mu.Unlock()
	return l.add(h)
}

// Emit sends an event without waiting for a reply.
func (s *Session) Emit(ctx context.Context, event string, payload interface{}) error {
	return s.cm.write(ctx, s, event, payload)
}

// EmitWithAck sends an event and waits for the first of okEvent or errEvent.
// The wait is bounded by the configured AckTimeout; on expiry the error wraps
// ErrAckTimeout. An errEvent reply is returned as *AckError.
//
// Replies are matched by event name only: the first okEvent or errEvent to
// arrive resolves every pending EmitWithAck listening for it. Concurrent
// actions of the same kind may therefore observe each other's reply.
func (s *Session) EmitWithAck(ctx context.Context, event string, payload interface{}, okEvent, errEvent string) (json.RawMessage, error) {
	type ackResult struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan ackResult, 1)
	var once sync.Once
	resolve := func(r ackResult) { once.Do(func() { ch <- r }) }

	offOK := s.On(okEvent, func(data json.RawMessage) { resolve(ackResult{data: data}) })
	defer offOK()
	offErr := s.On(errEvent, func(data json.RawMessage) { resolve(ackResult{err: ackErrorFrom(event, data)}) })
	defer offErr()

	ctx, cancel := context.WithTimeout(ctx, s.cm.config.AckTimeout)
	defer cancel()

	if err := s.Emit(ctx, event, payload); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", event, ErrAckTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Session) dispatch(log *zap.Logger, env envelope) {
	s.mu.Lock()
	l := s.handlers[env.Event]
	s.mu.Unlock()
	if l == nil {
		return
	}
	for _, h := range l.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("realtime handler panicked", zap.String("event", env.Event), zap.Any("panic", r))
				}
			}()
			h(env.Data)
		}()
	}
}

func ackErrorFrom(event string, data json.RawMessage) *AckError {
	r := gjson.ParseBytes(data)
	if r.Type == gjson.String {
		return &AckError{Event: event, Message: r.String()}
	}
	msg := firstOf(r, "message", "error", "msg").String()
	if msg == "" {
		msg = "request rejected"
	}
	return &AckError{Event: event, Message: msg, Code: r.Get("code").String()}
}

// ============================================================================
// ConnectionManager
// ============================================================================

type dialAttempt struct {
	userID  string
	done    chan struct{}
	session *Session
	err     error
}

// ConnectionManager owns the single realtime connection of the client. It
// registers the session user on every (re)connect, keeps a heartbeat, and
// reconnects with capped exponential backoff.
type ConnectionManager struct {
	baseURL string
	config  *ConnectionConfig
	log     *zap.Logger

	mu          sync.Mutex
	state       ConnState
	userID      string
	session     *Session
	conn        *websocket.Conn
	dialing     *dialAttempt
	cancelLife  context.CancelFunc
	intentional bool
	recon       *reconnector

	observers listeners[func(bool)]
}

// NewConnectionManager creates a manager for the realtime endpoint under baseURL.
func NewConnectionManager(baseURL string, config *ConnectionConfig) *ConnectionManager {
	if config == nil {
		config = &ConnectionConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &ConnectionManager{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     cfg.Logger.Named("realtime"),
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Session returns the current session handle, or nil.
func (cm *ConnectionManager) Session() *Session {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session
}

// OnConnectionChange registers an observer of connected/disconnected
// transitions. Observers run synchronously and must not block.
func (cm *ConnectionManager) OnConnectionChange(fn func(connected bool)) func() {
	return cm.observers.add(fn)
}

// Initialize connects and registers userID, returning the session handle.
// It is idempotent: a connected session for the same user is returned as is,
// a concurrent attempt for the same user is joined, and a session for a
// different user is torn down first. An empty userID yields a nil handle.
// While a same-user session is reconnecting, its handle is returned at once.
func (cm *ConnectionManager) Initialize(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, nil
	}

	cm.mu.Lock()
	if att := cm.dialing; att != nil && att.userID == userID {
		cm.mu.Unlock()
		select {
		case <-att.done:
			return att.session, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if cm.session != nil && cm.userID == userID && cm.cancelLife != nil {
		s := cm.session
		cm.mu.Unlock()
		return s, nil
	}

	var stale *websocket.Conn
	wasUp := cm.state == StateConnected
	if cm.userID != "" && cm.userID != userID {
		cm.log.Info("switching realtime user", zap.String("from", cm.userID), zap.String("to", userID))
		stale = cm.teardownLocked()
	}

	att := &dialAttempt{userID: userID, done: make(chan struct{})}
	lifeCtx, cancel := context.WithCancel(context.Background())
	cm.dialing = att
	cm.userID = userID
	if cm.session == nil || cm.session.userID != userID {
		cm.session = newSession(cm, userID)
	}
	cm.cancelLife = cancel
	cm.intentional = false
	cm.state = StateConnecting
	cm.recon.reset()
	session := cm.session
	cm.mu.Unlock()

	if stale != nil {
		stale.Close(websocket.StatusNormalClosure, "user changed")
	}
	if wasUp && stale != nil {
		cm.notify(false)
	}

	err := cm.connect(ctx, lifeCtx, session)

	cm.mu.Lock()
	if cm.dialing == att {
		cm.dialing = nil
	}
	if err == nil {
		att.session = session
	} else {
		att.err = err
		if cm.session == session && lifeCtx.Err() == nil {
			cm.state = StateDisconnected
		}
	}
	close(att.done)
	cm.mu.Unlock()

	if err != nil {
		cm.log.Warn("realtime connect failed", zap.String("user", userID), zap.Error(err))
		if lifeCtx.Err() == nil {
			cm.notify(false)
			if cm.config.DisableReconnect {
				cm.abandon(session)
			} else {
				go cm.reconnectLoop(lifeCtx, session)
			}
		}
		return nil, err
	}
	return session, nil
}

// Disconnect stops the heartbeat and any pending reconnect, closes the
// transport, and notifies every observer with false.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	conn := cm.teardownLocked()
	cm.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	cm.notify(false)
}

// teardownLocked resets all session state and returns the connection to close.
func (cm *ConnectionManager) teardownLocked() *websocket.Conn {
	cm.intentional = true
	if cm.cancelLife != nil {
		cm.cancelLife()
		cm.cancelLife = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.userID = ""
	cm.session = nil
	cm.dialing = nil
	cm.recon.reset()
	return conn
}

func (cm *ConnectionManager) wsURL() string {
	u := strings.Replace(cm.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += cm.config.Path
	if cm.config.Token != "" {
		u += "?token=" + url.QueryEscape(cm.config.Token)
	}
	return u
}

// connect dials, registers the session user and starts the read and
// heartbeat loops. Both loops end when lifeCtx is cancelled.
func (cm *ConnectionManager) connect(ctx, lifeCtx context.Context, s *Session) error {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	opts := &websocket.DialOptions{HTTPClient: cm.config.HTTPClient}
	if cm.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cm.config.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, cm.wsURL(), opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	cm.mu.Lock()
	if lifeCtx.Err() != nil || cm.session != s {
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return fmt.Errorf("connect: %w", ErrNotConnected)
	}
	cm.conn = conn
	cm.state = StateConnected
	cm.recon.markConnected()
	cm.mu.Unlock()

	go cm.readLoop(lifeCtx, conn, s)

	if err := cm.writeConn(dialCtx, conn, EmitRegisterUser, map[string]string{"userId": s.userID}); err != nil {
		cm.mu.Lock()
		if cm.conn == conn {
			cm.conn = nil
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "register failed")
		return fmt.Errorf("register user: %w", err)
	}

	cm.log.Info("realtime connected", zap.String("user", s.userID))
	cm.notify(true)
	go cm.heartbeatLoop(lifeCtx, conn)
	return nil
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			current := cm.conn == conn && !cm.intentional
			if current {
				cm.conn = nil
				cm.state = StateDisconnected
			}
			cm.mu.Unlock()
			if !current {
				return
			}

			cm.log.Warn("realtime connection lost", zap.Error(err))
			cm.notify(false)
			if cm.config.DisableReconnect {
				cm.abandon(s)
				return
			}
			cm.reconnectLoop(ctx, s)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			cm.log.Debug("ignoring non-envelope frame", zap.Int("bytes", len(data)))
			continue
		}
		s.dispatch(cm.log, env)
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.mu.Lock()
			current := cm.conn == conn
			cm.mu.Unlock()
			if !current {
				return
			}

			wctx, cancel := context.WithTimeout(ctx, cm.config.AckTimeout)
			err := cm.writeConn(wctx, conn, EmitHeartbeat, nil)
			cancel()
			if err != nil {
				// Closing wakes the read loop, which drives the reconnect.
				cm.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// reconnectLoop retries until connected, out of attempts, or ctx is cancelled.
// connect re-registers the user and re-arms the heartbeat.
func (cm *ConnectionManager) reconnectLoop(ctx context.Context, s *Session) {
	for {
		cm.mu.Lock()
		if ctx.Err() != nil || cm.session != s {
			cm.mu.Unlock()
			return
		}
		if !cm.recon.shouldReconnect() {
			cm.mu.Unlock()
			cm.log.Error("giving up realtime reconnect", zap.String("user", s.userID))
			cm.abandon(s)
			return
		}
		delay := cm.recon.nextDelay()
		attempt := cm.recon.attempt
		cm.mu.Unlock()

		metrics.Reconnects.Inc()
		cm.log.Info("scheduling realtime reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cm.mu.Lock()
		if cm.session != s {
			cm.mu.Unlock()
			return
		}
		cm.state = StateConnecting
		cm.mu.Unlock()

		err := cm.connect(ctx, ctx, s)
		if err == nil {
			return
		}
		cm.mu.Lock()
		if cm.session == s {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		cm.log.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// abandon stops the background loops of s so the next Initialize dials afresh.
// The session handle and its handlers are kept.
func (cm *ConnectionManager) abandon(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.session != s {
		return
	}
	if cm.cancelLife != nil {
		cm.cancelLife()
		cm.cancelLife = nil
	}
	cm.state = StateDisconnected
}

func (cm *ConnectionManager) write(ctx context.Context, s *Session, event string, payload interface{}) error {
	cm.mu.Lock()
	conn := cm.conn
	owner := cm.session
	cm.mu.Unlock()

	if conn == nil || owner != s {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	return cm.writeConn(ctx, conn, event, payload)
}

func (cm *ConnectionManager) writeConn(ctx context.Context, conn *websocket.Conn, event string, payload interface{}) error {
	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (cm *ConnectionManager) notify(connected bool) {
	metrics.SetConnected(connected)
	for _, fn := range cm.observers.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cm.log.Error("connection observer panicked", zap.Any("panic", r))
				}
			}()
			fn(connected)
		}()
	}
}
