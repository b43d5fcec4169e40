package zele

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a user-facing signal.
type Notice struct {
	Level          Level     `json:"level"`
	Code           string    `json:"code"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversationId,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier receives notices, one at a time, on the dispatcher's goroutine.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	// ConflictWindow is the period within which a repeated conflict is shown once.
	ConflictWindow time.Duration
	// ActiveConversation returns the conversation the user is looking at;
	// messages for it produce no notice.
	ActiveConversation func() string
	// Guard, when set, suppresses repeat notices for the same message id.
	Guard  *Guard
	Logger *zap.Logger
}

func (c *DispatcherConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ConflictWindow == 0 {
		c.ConflictWindow = 30 * time.Second
	}
	if c.ActiveConversation == nil {
		c.ActiveConversation = func() string { return "" }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Dispatcher turns store changes and classified errors into notices. Notices
// are queued and delivered by a single goroutine so producers never block;
// when the queue is full the notice is dropped.
type Dispatcher struct {
	sink   Notifier
	config DispatcherConfig
	log    *zap.Logger
	queue  chan Notice
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	limiters  map[string]*conflictLimiter
	lastSweep time.Time
}

type conflictLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewDispatcher starts a dispatcher delivering to sink.
func NewDispatcher(sink Notifier, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = &DispatcherConfig{}
	}
	cfg := *config
	cfg.defaults()
	d := &Dispatcher{
		sink:     sink,
		config:   cfg,
		log:      cfg.Logger.Named("notify"),
		queue:    make(chan Notice, cfg.QueueSize),
		done:     make(chan struct{}),
		limiters: make(map[string]*conflictLimiter),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("notifier panicked", zap.String("code", n.Code), zap.Any("panic", r))
				}
			}()
			d.sink.Notify(n)
		}()
		metrics.Notifications.WithLabelValues(string(n.Level)).Inc()
	}
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

// Post enqueues a notice without blocking.
func (d *Dispatcher) Post(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsDropped.WithLabelValues("overflow").Inc()
		d.log.Warn("notice queue full, dropping", zap.String("code", n.Code))
	}
}

// Observe is a store subscriber.
func (d *Dispatcher) Observe(c Change) {
	switch c.Kind {
	case ChangeMessageAdded:
		if !c.Incoming || c.Message == nil || c.ConversationID == d.config.ActiveConversation() {
			return
		}
		if d.config.Guard != nil && !d.config.Guard.MarkSeen(c.Message.ID) {
			return
		}
		d.Post(Notice{
			Level:          LevelInfo,
			Code:           "message.new",
			Text:           "New message: " + previewOf(c.Message),
			ConversationID: c.ConversationID,
		})
	case ChangeGroupRemoved:
		n := Notice{Level: LevelWarn, Code: "group.removed", Text: "You were removed from a group", ConversationID: c.ConversationID}
		if c.Reason == "deleted" {
			n.Code = "group.deleted"
			n.Text = "A group you belonged to was deleted"
		}
		d.Post(n)
	}
}

// Report surfaces an action error. Transport errors are never shown; they
// are visible only through the connection state. Not-found errors are
// suppressed in a lookahead context. Each distinct conflict is shown at most
// once per ConflictWindow.
func (d *Dispatcher) Report(err error, lookahead bool) {
	if err == nil {
		return
	}
	switch Classify(err) {
	case ClassTransport:
		d.suppress("transport", err)
	case ClassNotFound:
		if lookahead {
			d.suppress("lookahead", err)
			return
		}
		d.Post(Notice{Level: LevelError, Code: "not_found", Text: err.Error()})
	case ClassConflict:
		if !d.allow(err.Error()) {
			d.suppress("conflict_repeat", err)
			return
		}
		d.Post(Notice{Level: LevelWarn, Code: "conflict", Text: err.Error()})
	default:
		d.Post(Notice{Level: LevelError, Code: "failed", Text: err.Error()})
	}
}

// ReportServerError surfaces the server's error event, deduplicated like conflicts.
func (d *Dispatcher) ReportServerError(se *ServerError) {
	text := se.Message
	if se.Code != "" {
		text = fmt.Sprintf("%s (%s)", se.Message, se.Code)
	}
	if !d.allow("server:" + text) {
		d.suppress("server_repeat", nil)
		return
	}
	d.Post(Notice{Level: LevelError, Code: "server.error", Text: text})
}

// allow reports whether key may be shown now. Limiters idle for a whole
// window hold a full token again, so they are evicted.
func (d *Dispatcher) allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if now.Sub(d.lastSweep) >= d.config.ConflictWindow {
		for k, l := range d.limiters {
			if now.Sub(l.lastUsed) >= d.config.ConflictWindow {
				delete(d.limiters, k)
			}
		}
		d.lastSweep = now
	}
	l, ok := d.limiters[key]
	if !ok {
		l = &conflictLimiter{limiter: rate.NewLimiter(rate.Every(d.config.ConflictWindow), 1)}
		d.limiters[key] = l
	}
	l.lastUsed = now
	return l.limiter.AllowN(now, 1)
}

func (d *Dispatcher) limiterCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.limiters)
}

func (d *Dispatcher) suppress(reason string, err error) {
	metrics.NotificationsDropped.WithLabelValues(reason).Inc()
	if err != nil {
		d.log.Debug("suppressed notice", zap.String("reason", reason), zap.Error(err))
	}
}
