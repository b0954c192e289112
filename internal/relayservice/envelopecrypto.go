package relayservice

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Envelopes at rest in the server queue are wrapped with the account's
// signaling key: a 52-byte secret split into a 32-byte AES-256-CBC key and a
// 20-byte HMAC-SHA256 key. Wire layout:
//
//	version(1) || iv(16) || ciphertext || mac(10)
//
// where mac is a truncated HMAC over everything before it.

const (
	SignalingKeySize      = 52
	signalingCipherKeyLen = 32
	signalingMACKeyLen    = 20
	envelopeVersion       = 0x01
	envelopeMACLen        = 10
	envelopeIVLen         = 16
)

var ErrEnvelopeMAC = errors.New("relayservice: envelope MAC mismatch")

// GenerateSignalingKey returns a fresh random 52-byte signaling key.
func GenerateSignalingKey() ([]byte, error) {
	key := make([]byte, SignalingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("relayservice: generate signaling key: %w", err)
	}
	return key, nil
}

func splitSignalingKey(key []byte) (cipherKey, macKey []byte, err error) {
	if len(key) != SignalingKeySize {
		return nil, nil, fmt.Errorf("relayservice: signaling key must be %d bytes, got %d",
			SignalingKeySize, len(key))
	}
	return key[:signalingCipherKeyLen], key[signalingCipherKeyLen:], nil
}

// EncryptEnvelope wraps plaintext with the signaling key.
func EncryptEnvelope(signalingKey, plaintext []byte) ([]byte, error) {
	cipherKey, macKey, err := splitSignalingKey(signalingKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, envelopeIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("relayservice: envelope iv: %w", err)
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, 1+envelopeIVLen+len(ct)+envelopeMACLen)
	out = append(out, envelopeVersion)
	out = append(out, iv...)
	out = append(out, ct...)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(out)
	return append(out, mac.Sum(nil)[:envelopeMACLen]...), nil
}

// DecryptEnvelope verifies the truncated MAC and unwraps the ciphertext.
// Authentication failures return ErrEnvelopeMAC.
func DecryptEnvelope(signalingKey, data []byte) ([]byte, error) {
	cipherKey, macKey, err := splitSignalingKey(signalingKey)
	if err != nil {
		return nil, err
	}
	if len(data) < 1+envelopeIVLen+aes.BlockSize+envelopeMACLen {
		return nil, errors.New("relayservice: envelope too short")
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("relayservice: unknown envelope version %d", data[0])
	}
	body, tag := data[:len(data)-envelopeMACLen], data[len(data)-envelopeMACLen:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil)[:envelopeMACLen], tag) {
		return nil, ErrEnvelopeMAC
	}

	iv := body[1 : 1+envelopeIVLen]
	ct := body[1+envelopeIVLen:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("relayservice: envelope ciphertext not block aligned")
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("relayservice: invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("relayservice: invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("relayservice: invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
