package relayservice

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/relayws"
	"github.com/relayfed/relay-go/internal/store"
)

// ErrReceiveInProgress is returned when a second receive loop starts while
// one is already running.
var ErrReceiveInProgress = errors.New("relayservice: receive already in progress")

// IncomingMessage is a received, decrypted message.
type IncomingMessage struct {
	Sender       string
	SenderDevice uint32
	Timestamp    uint64
	Content      *Content
}

// Receiver runs the inbound pipeline: authenticated WebSocket, signaling-key
// unwrap, dedup, ratchet decrypt, and content parsing. Every delivery frame
// is ACKed, including poisoned ones, so one undecryptable envelope cannot
// wedge the queue.
type Receiver struct {
	wsURL    string
	tlsConf  *tls.Config
	store    *store.Store
	cipher   *SessionCipher
	notifier *Notifier
	logger   *log.Logger

	receiving atomic.Bool
}

func NewReceiver(wsURL string, tlsConf *tls.Config, st *store.Store, cipher *SessionCipher, notifier *Notifier, logger *log.Logger) *Receiver {
	return &Receiver{
		wsURL:    wsURL,
		tlsConf:  tlsConf,
		store:    st,
		cipher:   cipher,
		notifier: notifier,
		logger:   logger,
	}
}

// Receive connects to the message socket and returns an iterator yielding
// decrypted messages. Envelopes that fail to decrypt yield an error and the
// loop continues. The iterator stops when the context is cancelled or the
// caller breaks out of the range loop. Only one loop may run at a time.
func (rcv *Receiver) Receive(ctx context.Context) iter.Seq2[*IncomingMessage, error] {
	return func(yield func(*IncomingMessage, error) bool) {
		if !rcv.receiving.CompareAndSwap(false, true) {
			yield(nil, ErrReceiveInProgress)
			return
		}
		defer rcv.receiving.Store(false)

		acct, err := rcv.store.LoadAccount()
		if err != nil {
			yield(nil, err)
			return
		}
		if acct == nil || acct.State != store.StateRegistered || acct.Deregistered {
			yield(nil, ErrNotRegistered)
			return
		}
		signalingKey := acct.SignalingKey
		auth := BasicAuth{
			Username: fmt.Sprintf("%s.%d", acct.Address, acct.DeviceID),
			Password: acct.ServerAuthToken,
		}

		seen := newDedupSet()

		endpoint := rcv.wsURL + "/v1/websocket/"
		logf(rcv.logger, "receiver: connecting url=%s user=%s", endpoint, auth.Username)
		conn, err := relayws.DialPersistent(ctx, endpoint, rcv.tlsConf,
			relayws.WithHeaders(buildWebSocketHeaders(auth)),
			relayws.WithStateCallback(func(connected bool) {
				kind := EventSocketDisconnected
				if connected {
					kind = EventSocketConnected
				}
				rcv.notifier.Emit(Event{Kind: kind})
			}),
		)
		if err != nil {
			yield(nil, fmt.Errorf("receiver: dial: %w", err))
			return
		}
		defer conn.Close()

		for {
			frame, err := conn.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(nil, fmt.Errorf("receiver: read: %w", err)) {
					return
				}
				continue
			}
			if frame.Type != relayws.FrameRequest || frame.Request == nil {
				continue
			}
			req := frame.Request

			switch {
			case req.Verb == "PUT" && req.Path == "/api/v1/message":
				msg, err := rcv.handleEnvelope(signalingKey, seen, req.Body)

				// ACK regardless of outcome so the server advances the queue.
				_ = conn.SendResponse(ctx, req.ID, 200, "OK")

				if err != nil {
					if !yield(nil, fmt.Errorf("receiver: %w", err)) {
						return
					}
					continue
				}
				if msg == nil {
					continue
				}
				if !yield(msg, nil) {
					return
				}

			case req.Verb == "PUT" && req.Path == "/api/v1/queue/empty":
				_ = conn.SendResponse(ctx, req.ID, 200, "OK")
				rcv.notifier.Emit(Event{Kind: EventQueueEmpty})

			default:
				if req.ID != 0 {
					_ = conn.SendResponse(ctx, req.ID, 200, "OK")
				}
			}
		}
	}
}

// handleEnvelope unwraps, dedups, and decrypts one delivery. Returns nil,
// nil for envelopes that carry nothing for the caller (duplicates, bare
// receipts already surfaced as content).
func (rcv *Receiver) handleEnvelope(signalingKey []byte, seen *dedupSet, body []byte) (*IncomingMessage, error) {
	plaintext, err := DecryptEnvelope(signalingKey, body)
	if err != nil {
		return nil, fmt.Errorf("unwrap envelope: %w", err)
	}
	env, err := parseEnvelope(plaintext)
	if err != nil {
		return nil, err
	}

	// Dedup before any ratchet work: a redelivered envelope must not touch
	// session state.
	if seen.observe(env) {
		logf(rcv.logger, "receiver: duplicate envelope from %s.%d ts=%d, skipping",
			env.Source, env.SourceDevice, env.Timestamp)
		return nil, nil
	}

	switch env.Type {
	case MsgTypeReceipt:
		return &IncomingMessage{
			Sender:       env.Source,
			SenderDevice: env.SourceDevice,
			Timestamp:    env.Timestamp,
			Content:      &Content{Kind: ContentKindReceipt, Timestamp: env.Timestamp},
		}, nil

	case MsgTypePreKey, MsgTypeCiphertext:
		if len(env.Content) == 0 {
			return nil, fmt.Errorf("empty envelope content from %s.%d", env.Source, env.SourceDevice)
		}
		plaintext, err := rcv.cipher.Decrypt(env.Type, env.Source, env.SourceDevice, env.Content)
		if err != nil {
			if errors.Is(err, ratchet.ErrDuplicateMessage) {
				logf(rcv.logger, "receiver: replayed ciphertext from %s.%d, skipping",
					env.Source, env.SourceDevice)
				return nil, nil
			}
			return nil, fmt.Errorf("decrypt from %s.%d: %w", env.Source, env.SourceDevice, err)
		}
		content, err := parseContent(plaintext)
		if err != nil {
			return nil, err
		}
		return &IncomingMessage{
			Sender:       env.Source,
			SenderDevice: env.SourceDevice,
			Timestamp:    env.Timestamp,
			Content:      content,
		}, nil

	default:
		logf(rcv.logger, "receiver: skipping unsupported envelope type %q", env.Type)
		return nil, nil
	}
}

// buildWebSocketHeaders constructs the HTTP headers for the authenticated
// WebSocket.
func buildWebSocketHeaders(auth BasicAuth) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(auth.Username+":"+auth.Password)))
	h.Set("X-Relay-Agent", "relay-go")
	return h
}
