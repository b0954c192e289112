package relayservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Per-device delivery attempts for transient failures.
	maxSendAttempts = 4

	// Rounds of device-list correction after 409/410 responses.
	maxDeviceRetryRounds = 5
)

var sendBackoffBase = time.Second

// DeviceSendResult is the delivery outcome for one of the recipient's
// devices.
type DeviceSendResult struct {
	DeviceID uint32
	Err      error
}

// SendReport summarizes a fan-out: one result per targeted device. A send
// counts as delivered when at least one device accepted the message.
type SendReport struct {
	Recipient string
	Timestamp uint64
	Results   []DeviceSendResult
}

func (r *SendReport) Delivered() bool {
	for _, res := range r.Results {
		if res.Err == nil {
			return true
		}
	}
	return false
}

func (r *SendReport) Failed() []DeviceSendResult {
	var failed []DeviceSendResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Sender runs the outbound pipeline: device discovery, session
// establishment, per-device encryption, and delivery with retry.
type Sender struct {
	transport *Transport
	store     deviceStore
	cipher    *SessionCipher
	keys      *KeyManager
	auth      func() (*BasicAuth, error)
	logger    *log.Logger
}

// deviceStore is the slice of the data store the sender needs.
type deviceStore interface {
	GetDevices(address string) ([]uint32, error)
	SetDevices(address string, deviceIDs []uint32) error
}

func NewSender(transport *Transport, st deviceStore, cipher *SessionCipher, keys *KeyManager, auth func() (*BasicAuth, error), logger *log.Logger) *Sender {
	return &Sender{
		transport: transport,
		store:     st,
		cipher:    cipher,
		keys:      keys,
		auth:      auth,
		logger:    logger,
	}
}

// SendText delivers a text message to every device of the recipient.
func (snd *Sender) SendText(ctx context.Context, recipient, body string) (*SendReport, error) {
	return snd.Send(ctx, recipient, &Content{
		ID:        uuid.NewString(),
		Kind:      ContentKindText,
		Body:      body,
		Timestamp: nowMillis(),
	})
}

// SendTextToThread delivers one text message to every device of every
// recipient in a thread.
func (snd *Sender) SendTextToThread(ctx context.Context, recipients []string, body string) ([]*SendReport, error) {
	return snd.SendToThread(ctx, recipients, &Content{
		ID:        uuid.NewString(),
		Kind:      ContentKindText,
		Body:      body,
		Timestamp: nowMillis(),
	})
}

// SendToThread fans the same content out to each recipient in parallel.
// Recipient outcomes stay independent: the returned reports carry one result
// per device and are never collapsed. An error is returned only when no
// device of any recipient accepted the message.
func (snd *Sender) SendToThread(ctx context.Context, recipients []string, content *Content) ([]*SendReport, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("relayservice: empty recipient set")
	}

	reports := make([]*SendReport, len(recipients))
	errs := make([]error, len(recipients))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = snd.Send(ctx, recipient, content)
		}()
	}
	wg.Wait()

	delivered := false
	for i, report := range reports {
		if report == nil {
			reports[i] = &SendReport{Recipient: recipients[i], Timestamp: content.Timestamp}
			continue
		}
		if report.Delivered() {
			delivered = true
		}
	}
	if !delivered {
		for _, err := range errs {
			if err != nil {
				return reports, fmt.Errorf("relayservice: thread send: %w", err)
			}
		}
		return reports, fmt.Errorf("relayservice: thread send delivered to no device")
	}
	return reports, nil
}

// SendReceipt delivers a delivery receipt for a message timestamp.
func (snd *Sender) SendReceipt(ctx context.Context, recipient string, timestamp uint64) (*SendReport, error) {
	return snd.Send(ctx, recipient, &Content{
		Kind:      ContentKindReceipt,
		Timestamp: timestamp,
	})
}

// Send encrypts content per device and fans the deliveries out in parallel.
// Known 409/410 responses correct the device list and re-target only the
// devices that have not yet accepted the message, so no device sees the
// message twice.
func (snd *Sender) Send(ctx context.Context, recipient string, content *Content) (*SendReport, error) {
	if recipient == "" {
		return nil, fmt.Errorf("relayservice: empty recipient")
	}
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("relayservice: marshal content: %w", err)
	}
	timestamp := content.Timestamp
	if timestamp == 0 {
		timestamp = nowMillis()
	}

	deviceIDs, err := snd.targetDevices(ctx, recipient)
	if err != nil {
		return nil, err
	}

	report := &SendReport{Recipient: recipient, Timestamp: timestamp}
	outcome := make(map[uint32]error)
	pending := slices.Clone(deviceIDs)

	for round := 0; len(pending) > 0 && round < maxDeviceRetryRounds; round++ {
		results := snd.fanOut(ctx, recipient, pending, body, timestamp)

		pending = pending[:0]
		for deviceID, err := range results {
			outcome[deviceID] = err
			if err == nil {
				continue
			}

			var stale *StaleDevicesError
			var mismatch *MismatchedDevicesError
			switch {
			case errors.As(err, &stale):
				logf(snd.logger, "send: %s 410 stale=%v", recipient, stale.StaleDevices)
				for _, id := range stale.StaleDevices {
					_ = snd.cipher.ArchiveSession(recipient, id)
					if !slices.Contains(pending, id) {
						pending = append(pending, id)
					}
				}
			case errors.As(err, &mismatch):
				logf(snd.logger, "send: %s 409 missing=%v extra=%v",
					recipient, mismatch.MissingDevices, mismatch.ExtraDevices)
				for _, id := range mismatch.ExtraDevices {
					_ = snd.cipher.ArchiveSession(recipient, id)
					deviceIDs = slices.DeleteFunc(deviceIDs, func(d uint32) bool { return d == id })
					delete(outcome, id)
				}
				for _, id := range mismatch.MissingDevices {
					if !slices.Contains(deviceIDs, id) {
						deviceIDs = append(deviceIDs, id)
					}
					if !slices.Contains(pending, id) {
						pending = append(pending, id)
					}
				}
				// The rejected device itself is retried against the
				// corrected list.
				if slices.Contains(deviceIDs, deviceID) && !slices.Contains(pending, deviceID) {
					pending = append(pending, deviceID)
				}
			}
		}
	}

	_ = snd.store.SetDevices(recipient, deviceIDs)
	for _, id := range deviceIDs {
		report.Results = append(report.Results, DeviceSendResult{DeviceID: id, Err: outcome[id]})
	}
	if !report.Delivered() && len(report.Results) > 0 {
		return report, fmt.Errorf("relayservice: send to %s failed on all %d devices: %w",
			recipient, len(report.Results), report.Results[0].Err)
	}
	return report, nil
}

// fanOut delivers to each device on its own goroutine and collects the
// per-device outcome.
func (snd *Sender) fanOut(ctx context.Context, recipient string, deviceIDs []uint32, body []byte, timestamp uint64) map[uint32]error {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[uint32]error, len(deviceIDs))
	)
	for _, deviceID := range deviceIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := snd.sendToDevice(ctx, recipient, deviceID, body, timestamp)
			mu.Lock()
			results[deviceID] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// sendToDevice encrypts for one device and submits, retrying transient
// failures with exponential backoff. 409/410 responses are returned to the
// caller for device-list correction.
func (snd *Sender) sendToDevice(ctx context.Context, recipient string, deviceID uint32, body []byte, timestamp uint64) error {
	auth, err := snd.auth()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := range maxSendAttempts {
		if attempt > 0 {
			select {
			case <-time.After(sendBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := snd.ensureSession(ctx, recipient, deviceID); err != nil {
			var untrusted *UntrustedIdentityError
			if errors.As(err, &untrusted) {
				return err
			}
			lastErr = err
			continue
		}

		msgType, content, regID, err := snd.cipher.Encrypt(recipient, deviceID, body)
		if err != nil {
			return err
		}

		out := OutgoingMessageList{
			Timestamp: timestamp,
			Messages: []OutgoingMessage{{
				Type:                      msgType,
				DestinationDeviceID:       deviceID,
				DestinationRegistrationID: regID,
				Content:                   encodeBase64(content),
				Timestamp:                 timestamp,
			}},
		}
		respBody, status, err := snd.transport.PutJSON(ctx, "/v1/messages/"+recipient, &out, auth)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case status >= 200 && status < 300:
			logf(snd.logger, "send: delivered to %s.%d (%s)", recipient, deviceID, msgType)
			return nil
		case status == 409:
			var mm MismatchedDevices
			_ = json.Unmarshal(respBody, &mm)
			return &MismatchedDevicesError{MissingDevices: mm.MissingDevices, ExtraDevices: mm.ExtraDevices}
		case status == 410:
			var sd StaleDevices
			_ = json.Unmarshal(respBody, &sd)
			if len(sd.StaleDevices) == 0 {
				sd.StaleDevices = []uint32{deviceID}
			}
			return &StaleDevicesError{StaleDevices: sd.StaleDevices}
		default:
			serr := statusError("/v1/messages/"+recipient, status, respBody)
			var transient *TransientError
			if errors.As(serr, &transient) {
				lastErr = serr
				continue
			}
			return serr
		}
	}
	return lastErr
}

// ensureSession establishes a session for the device if none is active.
func (snd *Sender) ensureSession(ctx context.Context, recipient string, deviceID uint32) error {
	has, err := snd.cipher.HasSession(recipient, deviceID)
	if err != nil || has {
		return err
	}
	bundles, err := snd.keys.FetchBundles(ctx, recipient, strconv.FormatUint(uint64(deviceID), 10))
	if err != nil {
		return err
	}
	for _, bundle := range bundles {
		if bundle.DeviceID == deviceID {
			return snd.cipher.EstablishSession(recipient, deviceID, bundle)
		}
	}
	return fmt.Errorf("relayservice: no bundle for %s.%d", recipient, deviceID)
}

// targetDevices returns the known device list for the recipient, discovering
// it from the key directory on first contact.
func (snd *Sender) targetDevices(ctx context.Context, recipient string) ([]uint32, error) {
	deviceIDs, err := snd.store.GetDevices(recipient)
	if err != nil {
		return nil, err
	}
	if len(deviceIDs) > 0 {
		return deviceIDs, nil
	}

	bundles, err := snd.keys.FetchBundles(ctx, recipient, "*")
	if err != nil {
		return nil, err
	}
	for _, bundle := range bundles {
		if err := snd.cipher.EstablishSession(recipient, bundle.DeviceID, bundle); err != nil {
			return nil, err
		}
		deviceIDs = append(deviceIDs, bundle.DeviceID)
	}
	if len(deviceIDs) == 0 {
		deviceIDs = []uint32{1}
	}
	if err := snd.store.SetDevices(recipient, deviceIDs); err != nil {
		return nil, err
	}
	return deviceIDs, nil
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
