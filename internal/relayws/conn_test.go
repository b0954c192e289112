package relayws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
)

func TestReadAndACK(t *testing.T) {
	// Server sends a request frame; client reads it and sends an ACK.
	reqID := uint64(1)
	bodyBytes := []byte("test-body")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		if err := writeFrame(r.Context(), ws, NewRequestFrame(reqID, "PUT", "/api/v1/message", bodyBytes)); err != nil {
			t.Errorf("write: %v", err)
			return
		}

		// Read the ACK response.
		resp, err := readFrame(r.Context(), ws)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if resp.Type != FrameResponse || resp.Response == nil {
			t.Errorf("expected response frame, got %+v", resp)
			return
		}
		if resp.Response.ID != reqID {
			t.Errorf("response id: got %d, want %d", resp.Response.ID, reqID)
		}
		if resp.Response.Status != 200 {
			t.Errorf("response status: got %d, want 200", resp.Response.Status)
		}

		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != FrameRequest || frame.Request == nil {
		t.Fatalf("expected request frame, got %+v", frame)
	}
	if frame.Request.Verb != "PUT" {
		t.Fatalf("verb: got %q", frame.Request.Verb)
	}
	if frame.Request.Path != "/api/v1/message" {
		t.Fatalf("path: got %q", frame.Request.Path)
	}
	if string(frame.Request.Body) != string(bodyBytes) {
		t.Fatal("body mismatch")
	}

	if err := conn.SendResponse(ctx, reqID, 200, "OK"); err != nil {
		t.Fatal(err)
	}
}

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// writeFrame encodes and writes a frame to a raw websocket.Conn.
func writeFrame(ctx context.Context, ws *websocket.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// readFrame reads and decodes a frame from a raw websocket.Conn.
func readFrame(ctx context.Context, ws *websocket.Conn) (*Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	frame := new(Frame)
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
