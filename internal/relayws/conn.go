// Package relayws provides JSON-framed WebSocket communication with the
// message socket of a relay server.
package relayws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a WebSocket connection with JSON framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("relayws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes the next frame from the connection.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("relayws: read: %w", err)
	}
	frame := new(Frame)
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("relayws: decode frame: %w", err)
	}
	return frame, nil
}

// WriteFrame encodes and sends a frame.
func (c *Conn) WriteFrame(ctx context.Context, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relayws: encode frame: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relayws: write: %w", err)
	}
	return nil
}

// SendResponse sends a response frame (used for ACKs).
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteFrame(ctx, NewResponseFrame(id, status, message))
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
