package relayservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/relayfed/relay-go/internal/relayws"
	"github.com/relayfed/relay-go/internal/store"
)

// receiverHarness drives a fake message socket against a real receiver:
// bob's cipher produces ciphertext, the harness wraps it in a signaling-key
// envelope and pushes it as a delivery frame.
type receiverHarness struct {
	t            *testing.T
	aliceStore   *store.Store
	bob          *SessionCipher
	bobAddress   string
	signalingKey []byte

	frames chan *relayws.Frame
	acks   chan *relayws.Frame
	srv    *httptest.Server
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	aliceStore := registeredStore(t, "+15550001111")
	bobStore := registeredStore(t, "+15550002222")
	bob := NewSessionCipher(bobStore, nil)

	// Bob initiates against alice's published bundle.
	bundle := publishBundle(t, aliceStore, 1)
	if err := bob.EstablishSession("+15550001111", 1, bundle); err != nil {
		t.Fatalf("establish: %v", err)
	}

	acct, err := aliceStore.LoadAccount()
	if err != nil {
		t.Fatalf("load account: %v", err)
	}

	h := &receiverHarness{
		t:            t,
		aliceStore:   aliceStore,
		bob:          bob,
		bobAddress:   "+15550002222",
		signalingKey: acct.SignalingKey,
		frames:       make(chan *relayws.Frame, 16),
		acks:         make(chan *relayws.Frame, 16),
	}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var frame relayws.Frame
				if json.Unmarshal(data, &frame) != nil {
					continue
				}
				if frame.Type == relayws.FrameRequest && frame.Request != nil &&
					frame.Request.Path == "/v1/keepalive" {
					// Answer keep-alives so the reconnect logic stays quiet.
					resp, _ := json.Marshal(relayws.NewResponseFrame(frame.Request.ID, 200, "OK"))
					_ = conn.Write(ctx, websocket.MessageText, resp)
					continue
				}
				h.acks <- &frame
			}
		}()
		for {
			select {
			case frame := <-h.frames:
				data, _ := json.Marshal(frame)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *receiverHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

// pushMessage encrypts body from bob and queues it as a delivery frame.
func (h *receiverHarness) pushMessage(id uint64, body string) {
	h.t.Helper()
	content, err := json.Marshal(&Content{Kind: ContentKindText, Body: body, Timestamp: uint64(id)})
	if err != nil {
		h.t.Fatalf("marshal content: %v", err)
	}
	msgType, ciphertext, _, err := h.bob.Encrypt("+15550001111", 1, content)
	if err != nil {
		h.t.Fatalf("bob encrypt: %v", err)
	}
	h.pushEnvelope(id, &Envelope{
		Type:         msgType,
		Source:       h.bobAddress,
		SourceDevice: 1,
		Timestamp:    uint64(id),
		Content:      ciphertext,
	})
}

func (h *receiverHarness) pushEnvelope(id uint64, env *Envelope) {
	h.t.Helper()
	plaintext, err := json.Marshal(env)
	if err != nil {
		h.t.Fatalf("marshal envelope: %v", err)
	}
	wrapped, err := EncryptEnvelope(h.signalingKey, plaintext)
	if err != nil {
		h.t.Fatalf("wrap envelope: %v", err)
	}
	h.frames <- relayws.NewRequestFrame(id, "PUT", "/api/v1/message", wrapped)
}

func (h *receiverHarness) pushRaw(id uint64, body []byte) {
	h.frames <- relayws.NewRequestFrame(id, "PUT", "/api/v1/message", body)
}

func (h *receiverHarness) pushQueueEmpty(id uint64) {
	h.frames <- relayws.NewRequestFrame(id, "PUT", "/api/v1/queue/empty", nil)
}

// expectACK waits for the ACK to a given request ID.
func (h *receiverHarness) expectACK(id uint64) {
	h.t.Helper()
	select {
	case frame := <-h.acks:
		if frame.Type != relayws.FrameResponse || frame.Response == nil {
			h.t.Fatalf("expected response frame, got %+v", frame)
		}
		if frame.Response.ID != id || frame.Response.Status != 200 {
			h.t.Fatalf("ACK id=%d status=%d, want id=%d status=200",
				frame.Response.ID, frame.Response.Status, id)
		}
	case <-time.After(5 * time.Second):
		h.t.Fatalf("no ACK for request %d", id)
	}
}

func (h *receiverHarness) receiver() *Receiver {
	cipher := NewSessionCipher(h.aliceStore, nil)
	return NewReceiver(h.wsURL(), nil, h.aliceStore, cipher, &Notifier{}, nil)
}

// collect runs the receive loop until n yields arrive or the timeout hits.
func collect(t *testing.T, rcv *Receiver, n int) ([]*IncomingMessage, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var msgs []*IncomingMessage
	var errs []error
	for msg, err := range rcv.Receive(ctx) {
		if err != nil {
			errs = append(errs, err)
		} else {
			msgs = append(msgs, msg)
		}
		if len(msgs)+len(errs) == n {
			break
		}
	}
	return msgs, errs
}

func TestReceiveDecryptsAndACKs(t *testing.T) {
	h := newReceiverHarness(t)
	h.pushMessage(1, "hello alice")

	msgs, errs := collect(t, h.receiver(), 1)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Sender != "+15550002222" || msg.SenderDevice != 1 {
		t.Fatalf("sender %s.%d", msg.Sender, msg.SenderDevice)
	}
	if msg.Content.Kind != ContentKindText || msg.Content.Body != "hello alice" {
		t.Fatalf("content %+v", msg.Content)
	}
	h.expectACK(1)
}

func TestReceiveRedeliveredEnvelopeDropped(t *testing.T) {
	h := newReceiverHarness(t)

	content, _ := json.Marshal(&Content{Kind: ContentKindText, Body: "once", Timestamp: 7})
	msgType, ciphertext, _, err := h.bob.Encrypt("+15550001111", 1, content)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env := &Envelope{Type: msgType, Source: h.bobAddress, SourceDevice: 1, Timestamp: 7, Content: ciphertext}

	// The same envelope delivered twice, then a fresh message.
	h.pushEnvelope(1, env)
	h.pushEnvelope(2, env)
	h.pushMessage(3, "fresh")

	msgs, errs := collect(t, h.receiver(), 2)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages %d, want 2", len(msgs))
	}
	if msgs[0].Content.Body != "once" || msgs[1].Content.Body != "fresh" {
		t.Fatalf("bodies %q, %q", msgs[0].Content.Body, msgs[1].Content.Body)
	}

	// Every frame was ACKed, including the duplicate.
	h.expectACK(1)
	h.expectACK(2)
	h.expectACK(3)
}

func TestReceivePoisonedEnvelopeACKedAndSkipped(t *testing.T) {
	h := newReceiverHarness(t)

	h.pushRaw(1, []byte("not an envelope"))
	h.pushMessage(2, "still alive")

	msgs, errs := collect(t, h.receiver(), 2)
	if len(errs) != 1 {
		t.Fatalf("errors %v, want exactly one", errs)
	}
	if len(msgs) != 1 || msgs[0].Content.Body != "still alive" {
		t.Fatalf("messages %+v", msgs)
	}

	// The poisoned frame was ACKed so the queue advanced.
	h.expectACK(1)
	h.expectACK(2)
}

func TestReceiveQueueEmptyNotification(t *testing.T) {
	h := newReceiverHarness(t)
	notifier := &Notifier{}
	queueEmpty := make(chan struct{}, 1)
	notifier.Observe(func(ev Event) {
		if ev.Kind == EventQueueEmpty {
			select {
			case queueEmpty <- struct{}{}:
			default:
			}
		}
	})
	cipher := NewSessionCipher(h.aliceStore, nil)
	rcv := NewReceiver(h.wsURL(), nil, h.aliceStore, cipher, notifier, nil)

	h.pushQueueEmpty(1)
	h.pushMessage(2, "after drain")

	msgs, errs := collect(t, rcv, 1)
	if len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("msgs %d errs %v", len(msgs), errs)
	}
	select {
	case <-queueEmpty:
	case <-time.After(5 * time.Second):
		t.Fatal("queue-empty notification never fired")
	}
}

func TestReceiveSecondLoopRejected(t *testing.T) {
	h := newReceiverHarness(t)
	rcv := h.receiver()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range rcv.Receive(ctx) {
		}
	}()
	go func() {
		// Give the first loop time to claim the receiver.
		time.Sleep(100 * time.Millisecond)
		close(started)
	}()
	<-started

	for _, err := range rcv.Receive(context.Background()) {
		if err == nil {
			t.Fatal("second loop yielded a message")
		}
		if err != ErrReceiveInProgress {
			t.Fatalf("got %v, want ErrReceiveInProgress", err)
		}
	}
	cancel()
	<-done
}

func TestReceiveUnregisteredAccount(t *testing.T) {
	st := tempStore(t)
	rcv := NewReceiver("ws://127.0.0.1:1", nil, st, NewSessionCipher(st, nil), &Notifier{}, nil)
	for _, err := range rcv.Receive(context.Background()) {
		if err != ErrNotRegistered {
			t.Fatalf("got %v, want ErrNotRegistered", err)
		}
	}
}
