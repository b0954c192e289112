package relayws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestKeepAliveSendsRequest(t *testing.T) {
	var gotKeepAlive atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == FrameRequest && frame.Request != nil &&
				frame.Request.Verb == "GET" && frame.Request.Path == "/v1/keepalive" {
				gotKeepAlive.Store(true)
				resp := NewResponseFrame(frame.Request.ID, 200, "")
				if err := writeFrame(ctx, ws, resp); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(100*time.Millisecond),
		WithKeepAliveTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	// Wait enough time for at least one keep-alive to be sent.
	time.Sleep(250 * time.Millisecond)

	if !gotKeepAlive.Load() {
		t.Fatal("server did not receive a keep-alive request")
	}
}

func TestKeepAliveTimeoutTriggersReconnect(t *testing.T) {
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		connCount.Add(1)

		// Read frames but never respond to keep-alives.
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(50*time.Millisecond),
		WithKeepAliveTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	// Wait for keep-alive timeout + reconnect to happen.
	time.Sleep(400 * time.Millisecond)

	if n := connCount.Load(); n < 2 {
		t.Fatalf("expected at least 2 connections (reconnect), got %d", n)
	}
}

func TestKeepAliveResponseConsumed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		// Read the keep-alive request, respond, then send a real request.
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == FrameRequest && frame.Request != nil &&
				frame.Request.Path == "/v1/keepalive" {
				resp := NewResponseFrame(frame.Request.ID, 200, "")
				if err := writeFrame(ctx, ws, resp); err != nil {
					return
				}
				req := NewRequestFrame(42, "PUT", "/api/v1/message", []byte("hello"))
				if err := writeFrame(ctx, ws, req); err != nil {
					return
				}
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(50*time.Millisecond),
		WithKeepAliveTimeout(500*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	// ReadFrame should skip the keep-alive response and return the real
	// request.
	frame, err := pc.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != FrameRequest || frame.Request == nil {
		t.Fatalf("expected request frame, got %+v", frame)
	}
	if frame.Request.Path != "/api/v1/message" {
		t.Fatalf("expected /api/v1/message, got %s", frame.Request.Path)
	}
}

func TestReconnectOnDisconnect(t *testing.T) {
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		n := connCount.Add(1)

		if n == 1 {
			// First connection: close immediately to trigger reconnect.
			time.Sleep(50 * time.Millisecond)
			ws.Close(websocket.StatusGoingAway, "bye")
			return
		}

		// Second connection: send a frame, then keep alive.
		ctx := r.Context()
		req := NewRequestFrame(99, "PUT", "/api/v1/message", []byte("reconnected"))
		if err := writeFrame(ctx, ws, req); err != nil {
			return
		}
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				ws.CloseNow()
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(5*time.Second), // long interval, don't interfere
		WithKeepAliveTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	// ReadFrame should reconnect after first connection closes, then read
	// from the second.
	frame, err := pc.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Request.Body) != "reconnected" {
		t.Fatalf("expected 'reconnected', got %q", string(frame.Request.Body))
	}
}

func TestStateCallbackOnReconnect(t *testing.T) {
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connCount.Add(1)

		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			ws.Close(websocket.StatusGoingAway, "bye")
			return
		}

		ctx := r.Context()
		req := NewRequestFrame(7, "PUT", "/api/v1/message", nil)
		if err := writeFrame(ctx, ws, req); err != nil {
			return
		}
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				ws.CloseNow()
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var mu sync.Mutex
	var states []bool

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(5*time.Second),
		WithKeepAliveTimeout(5*time.Second),
		WithStateCallback(func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	if _, err := pc.ReadFrame(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Initial connect, drop, reconnect.
	if len(states) < 3 || !states[0] || states[1] || !states[2] {
		t.Fatalf("states: got %v, want [true false true ...]", states)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		connCount.Add(1)
		defer ws.CloseNow()

		// Keep connection open.
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(5*time.Second),
		WithKeepAliveTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}

	// Close and wait, verify no further connections.
	pc.Close()
	before := connCount.Load()
	time.Sleep(200 * time.Millisecond)
	after := connCount.Load()

	if after != before {
		t.Fatalf("expected no new connections after Close(), got %d -> %d", before, after)
	}
}
