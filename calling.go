package zele

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Calling capability
// ============================================================================

// CallEventType names an event raised by a CallProvider.
type CallEventType string

const (
	CallIncoming       CallEventType = "incomingcall"
	CallStateChanged   CallEventType = "signalingstate"
	CallStreamAttached CallEventType = "addremotestream"
)

// CallState is the signaling state of a call.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallAnswered   CallState = "answered"
	CallEnded      CallState = "ended"
	CallBusy       CallState = "busy"
)

func (s CallState) terminal() bool {
	return s == CallEnded || s == CallBusy
}

// CallHandle identifies one call of the provider.
type CallHandle interface {
	ID() string
	PeerID() string
	Video() bool
}

// CallEvent is raised by a CallProvider.
type CallEvent struct {
	Type  CallEventType
	Call  CallHandle
	State CallState
}

// CallProvider is the calling vendor SDK surface the client consumes.
type CallProvider interface {
	Connect(ctx context.Context, token string) error
	MakeCall(ctx context.Context, targetID string, video bool) (CallHandle, error)
	Answer(ctx context.Context, call CallHandle) error
	Hangup(ctx context.Context, call CallHandle) error
	On(event CallEventType, fn func(CallEvent)) func()
}

// ============================================================================
// CallManager
// ============================================================================

// CallManager allows a single active call. Incoming calls while busy are
// rejected; incoming calls otherwise are announced through the dispatcher.
type CallManager struct {
	provider CallProvider
	notices  *Dispatcher
	log      *zap.Logger

	mu     sync.Mutex
	active CallHandle
	state  CallState
	offs   []func()

	observers listeners[func(CallEvent)]
}

// NewCallManager wraps provider. notices may be nil.
func NewCallManager(provider CallProvider, notices *Dispatcher, log *zap.Logger) *CallManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &CallManager{provider: provider, notices: notices, log: log.Named("calls"), state: CallIdle}
}

// Connect registers provider callbacks and connects with token.
func (m *CallManager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.offs == nil {
		m.offs = []func(){
			m.provider.On(CallIncoming, m.onIncoming),
			m.provider.On(CallStateChanged, m.onStateChanged),
			m.provider.On(CallStreamAttached, m.forward),
		}
	}
	m.mu.Unlock()
	if err := m.provider.Connect(ctx, token); err != nil {
		return fmt.Errorf("connect call provider: %w", err)
	}
	return nil
}

// Close unregisters provider callbacks.
func (m *CallManager) Close() {
	m.mu.Lock()
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// OnEvent registers an observer of provider events.
func (m *CallManager) OnEvent(fn func(CallEvent)) func() {
	return m.observers.add(fn)
}

// Active returns the current call and its state.
func (m *CallManager) Active() (CallHandle, CallState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.state
}

// Call starts an outgoing call. It fails with ErrCallBusy while another call is active.
func (m *CallManager) Call(ctx context.Context, targetID string, video bool) (CallHandle, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallBusy
	}
	m.state = CallConnecting
	m.mu.Unlock()

	call, err := m.provider.MakeCall(ctx, targetID, video)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = CallIdle
		return nil, fmt.Errorf("make call: %w", err)
	}
	m.active = call
	return call, nil
}

// Answer answers the ringing incoming call.
func (m *CallManager) Answer(ctx context.Context) error {
	m.mu.Lock()
	call, state := m.active, m.state
	m.mu.Unlock()
	if call == nil || state != CallRinging {
		return ErrNoActiveCall
	}
	if err := m.provider.Answer(ctx, call); err != nil {
		return fmt.Errorf("answer call: %w", err)
	}
	m.mu.Lock()
	if m.active == call {
		m.state = CallAnswered
	}
	m.mu.Unlock()
	return nil
}

// Hangup ends the active call.
func (m *CallManager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	call := m.active
	m.active = nil
	m.state = CallIdle
	m.mu.Unlock()
	if call == nil {
		return ErrNoActiveCall
	}
	if err := m.provider.Hangup(ctx, call); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	return nil
}

func (m *CallManager) onIncoming(ev CallEvent) {
	m.mu.Lock()
	busy := m.active != nil
	if !busy {
		m.active = ev.Call
		m.state = CallRinging
	}
	m.mu.Unlock()

	if busy {
		m.log.Info("rejecting incoming call while busy", zap.String("peer", ev.Call.PeerID()))
		if err := m.provider.Hangup(context.Background(), ev.Call); err != nil {
			m.log.Warn("reject incoming call", zap.Error(err))
		}
		if m.notices != nil {
			m.notices.Post(Notice{Level: LevelInfo, Code: "call.missed", Text: "Missed call from " + ev.Call.PeerID()})
		}
		return
	}
	if m.notices != nil {
		kind := "voice"
		if ev.Call.Video() {
			kind = "video"
		}
		m.notices.Post(Notice{Level: LevelInfo, Code: "call.incoming", Text: "Incoming " + kind + " call from " + ev.Call.PeerID()})
	}
	m.forward(ev)
}

func (m *CallManager) onStateChanged(ev CallEvent) {
	m.mu.Lock()
	if m.active != nil && ev.Call != nil && m.active.ID() == ev.Call.ID() {
		if ev.State.terminal() {
			m.active = nil
			m.state = CallIdle
		} else {
			m.state = ev.State
		}
	}
	m.mu.Unlock()
	m.forward(ev)
}

func (m *CallManager) forward(ev CallEvent) {
	for _, fn := range m.observers.snapshot() {
		fn(ev)
	}
}
