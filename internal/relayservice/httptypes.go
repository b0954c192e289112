package relayservice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// JSON bodies for the account and keys endpoints. Key material travels as
// unpadded base64 strings; decodeBase64 tolerates padded input from older
// servers.

type AccountAttributes struct {
	SignalingKey    string `json:"signalingKey"`
	RegistrationID  uint32 `json:"registrationId"`
	FetchesMessages bool   `json:"fetchesMessages"`
	Name            string `json:"name,omitempty"`
	Voice           bool   `json:"voice"`
	Video           bool   `json:"video"`
}

type VerifyResponse struct {
	Address  string `json:"addr"`
	DeviceID uint32 `json:"deviceId"`
}

type PreKeyEntity struct {
	ID        uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type SignedPreKeyEntity struct {
	ID        uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

type PreKeyUpload struct {
	IdentityKey  string             `json:"identityKey"`
	SigningKey   string             `json:"signingKey"`
	PreKeys      []PreKeyEntity     `json:"preKeys"`
	SignedPreKey SignedPreKeyEntity `json:"signedPreKey"`
}

type PreKeyCountResponse struct {
	Count int `json:"count"`
}

// PreKeyDeviceInfo is one device's bundle in a GET /v2/keys response.
type PreKeyDeviceInfo struct {
	DeviceID       uint32              `json:"deviceId"`
	RegistrationID uint32              `json:"registrationId"`
	PreKey         *PreKeyEntity       `json:"preKey"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey"`
}

type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"`
	SigningKey  string             `json:"signingKey"`
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// Message types on the wire.
const (
	MsgTypeCiphertext = "ciphertext"
	MsgTypePreKey     = "prekey"
	MsgTypeReceipt    = "receipt"
)

type OutgoingMessage struct {
	Type                      string `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
	Timestamp                 uint64 `json:"timestamp"`
}

type OutgoingMessageList struct {
	Messages  []OutgoingMessage `json:"messages"`
	Timestamp uint64            `json:"timestamp"`
}

type MismatchedDevices struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

type StaleDevices struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

type DeviceInfo struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Created  uint64 `json:"created"`
	LastSeen uint64 `json:"lastSeen"`
}

type DeviceListResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// Envelope is a single queued message as delivered over the socket or REST
// queue, after signaling-key decryption of the transport wrapper.
type Envelope struct {
	Type         string `json:"type"`
	Source       string `json:"source"`
	SourceDevice uint32 `json:"sourceDevice"`
	Timestamp    uint64 `json:"timestamp"`
	Content      []byte `json:"content"`
}

// Content is the plaintext payload carried inside a ratchet message, after
// decryption and padding removal.
const (
	ContentKindText    = "text"
	ContentKindReceipt = "receipt"
	ContentKindControl = "control"
)

type Content struct {
	ID        string `json:"messageId,omitempty"`
	Kind      string `json:"kind"`
	Body      string `json:"body,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

func parseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("relayservice: parse envelope: %w", err)
	}
	if env.Source == "" {
		return nil, fmt.Errorf("relayservice: envelope missing source")
	}
	return &env, nil
}

func parseContent(data []byte) (*Content, error) {
	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("relayservice: parse content: %w", err)
	}
	if content.Kind == "" {
		content.Kind = ContentKindText
	}
	return &content, nil
}

func encodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// decodeBase64 accepts both padded and unpadded standard encoding.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("relayservice: bad base64: %w", err)
	}
	return b, nil
}
