package zele

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// fakeBackend serves the chat REST API and the realtime endpoint for tests.
type fakeBackend struct {
	srv    *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
	events chan envelope

	mu       sync.Mutex
	conns    []*backendConn
	actions  map[string]func(data gjson.Result) (reply string, payload interface{})
	routes   map[string]http.HandlerFunc
	requests []string
}

type backendConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	token  string
	auth   string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBackend{
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan envelope, 256),
		actions: make(map[string]func(gjson.Result) (string, interface{})),
		routes:  make(map[string]http.HandlerFunc),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serveHTTP))
	t.Cleanup(func() {
		b.cancel()
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) URL() string { return b.srv.URL }

func (b *fakeBackend) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		b.serveWS(w, r)
		return
	}
	key := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.requests = append(b.requests, key)
	h := b.routes[key]
	b.mu.Unlock()
	if h == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"success":false,"message":"route not found"}`)
		return
	}
	h(w, r)
}

func (b *fakeBackend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	bc := &backendConn{conn: conn, cancel: cancel, token: r.URL.Query().Get("token"), auth: r.Header.Get("Authorization")}
	b.mu.Lock()
	b.conns = append(b.conns, bc)
	b.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		select {
		case b.events <- env:
		default:
		}

		b.mu.Lock()
		fn := b.actions[env.Event]
		b.mu.Unlock()
		if fn == nil {
			continue
		}
		reply, payload := fn(gjson.ParseBytes(env.Data))
		if reply == "" {
			continue
		}
		out, _ := json.Marshal(outbound{Event: reply, Data: payload})
		_ = conn.Write(ctx, websocket.MessageText, out)
	}
}

// route registers a REST handler for "METHOD /path".
func (b *fakeBackend) route(method, path string, h http.HandlerFunc) {
	b.mu.Lock()
	b.routes[method+" "+path] = h
	b.mu.Unlock()
}

// reply registers a static JSON response.
func (b *fakeBackend) reply(method, path string, status int, body string) {
	b.route(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
}

// action registers a responder for an outbound socket event.
func (b *fakeBackend) action(event string, fn func(data gjson.Result) (string, interface{})) {
	b.mu.Lock()
	b.actions[event] = fn
	b.mu.Unlock()
}

// push sends an event to the most recent realtime connection.
func (b *fakeBackend) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	bc := b.lastConn(t)
	out, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.conn.Write(ctx, websocket.MessageText, out); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

// kick drops the most recent realtime connection from the server side.
func (b *fakeBackend) kick(t *testing.T) {
	t.Helper()
	b.lastConn(t).cancel()
}

func (b *fakeBackend) lastConn(t *testing.T) *backendConn {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		t.Fatal("no realtime connection")
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBackend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) requestCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r == key {
			n++
		}
	}
	return n
}

// expectEvent waits for the next inbound event named name, skipping others.
func (b *fakeBackend) expectEvent(t *testing.T, name string) envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-b.events:
			if env.Event == name {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return envelope{}
		}
	}
}

// noEvent asserts that no event named name arrives within d.
func (b *fakeBackend) noEvent(t *testing.T, name string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case env := <-b.events:
			if env.Event == name {
				t.Fatalf("unexpected %s event: %s", name, env.Data)
			}
		case <-timeout:
			return
		}
	}
}

func (b *fakeBackend) connectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Token:              "tok",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		AckTimeout:         500 * time.Millisecond,
		DialTimeout:        2 * time.Second,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
