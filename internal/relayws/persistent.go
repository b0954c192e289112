package relayws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
)

// PersistentConn wraps a Conn with keep-alive heartbeats and automatic
// reconnection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration)
	stateCallback     func(connected bool)

	// pendingKeepAlive tracks the ID of an outstanding keep-alive request.
	pendingKeepAlive atomic.Uint64
	keepAliveSentAt  atomic.Int64  // UnixMilli when keep-alive was sent
	keepAliveAcked   chan struct{} // signaled when keep-alive response received

	cancel context.CancelFunc // cancels the keep-alive goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a keep-alive response before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful keep-alive round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.keepAliveCallback = fn }
}

// WithStateCallback sets a function called when the socket connects or
// drops. Used to surface connectivity notifications.
func WithStateCallback(fn func(connected bool)) Option {
	return func(pc *PersistentConn) { pc.stateCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with
// keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		keepAliveAcked:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn
	pc.notifyState(true)

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// ReadFrame reads the next frame, filtering out keep-alive responses.
// On read error, it attempts to reconnect and retry.
func (pc *PersistentConn) ReadFrame(ctx context.Context) (*Frame, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("relayws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if pc.closed.Load() {
				return nil, err
			}
			pc.notifyState(false)
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return nil, reconnErr
			}
			continue
		}

		// Filter keep-alive responses.
		if frame.Type == FrameResponse && frame.Response != nil {
			pendingID := pc.pendingKeepAlive.Load()
			if pendingID != 0 && frame.Response.ID == pendingID {
				pc.handleKeepAliveResponse()
				continue
			}
		}

		return frame, nil
	}
}

// WriteFrame writes a frame to the current connection.
func (pc *PersistentConn) WriteFrame(ctx context.Context, frame *Frame) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relayws: no active connection")
	}
	return conn.WriteFrame(ctx, frame)
}

// SendResponse sends an ACK response frame.
func (pc *PersistentConn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relayws: no active connection")
	}
	return conn.SendResponse(ctx, id, status, message)
}

// Close stops keep-alive and closes the connection. No further reconnects
// will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	pc.notifyState(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) notifyState(connected bool) {
	if pc.stateCallback != nil {
		pc.stateCallback(connected)
	}
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			if err := pc.sendKeepAlive(ctx); err != nil {
				// Connection may be broken; reconnect happens on next ReadFrame.
				continue
			}
			// Wait for response or timeout.
			select {
			case <-ctx.Done():
				return
			case <-pc.keepAliveAcked:
				// Got response, all good.
			case <-time.After(pc.keepAliveTimeout):
				// Timeout, force reconnect.
				if !pc.closed.Load() {
					pc.notifyState(false)
					_ = pc.reconnect(ctx)
				}
			}
		}
	}
}

func (pc *PersistentConn) sendKeepAlive(ctx context.Context) error {
	id := uint64(time.Now().UnixMilli())
	pc.pendingKeepAlive.Store(id)

	// Drain any stale ack.
	select {
	case <-pc.keepAliveAcked:
	default:
	}

	pc.keepAliveSentAt.Store(time.Now().UnixMilli())

	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relayws: no active connection")
	}
	return conn.WriteFrame(ctx, NewRequestFrame(id, "GET", "/v1/keepalive", nil))
}

func (pc *PersistentConn) handleKeepAliveResponse() {
	if pc.keepAliveCallback != nil {
		sentAt := pc.keepAliveSentAt.Load()
		if sentAt > 0 {
			rtt := time.Duration(time.Now().UnixMilli()-sentAt) * time.Millisecond
			pc.keepAliveCallback(rtt)
		}
	}
	pc.pendingKeepAlive.Store(0)
	select {
	case pc.keepAliveAcked <- struct{}{}:
	default:
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return fmt.Errorf("relayws: persistent conn closed")
	}

	// Close old connection if any.
	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("relayws: reconnect: %w", err)
	}
	pc.conn = conn
	pc.notifyState(true)
	return nil
}
