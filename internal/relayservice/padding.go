package relayservice

import "errors"

// Message bodies are padded to a multiple of 80 bytes before encryption so
// ciphertext length leaks less about content length. The terminator byte
// 0x80 marks the end of the real payload.
const paddingBlockSize = 80

func padMessage(body []byte) []byte {
	padded := len(body) + 1
	if rem := padded % paddingBlockSize; rem != 0 {
		padded += paddingBlockSize - rem
	}
	out := make([]byte, padded)
	copy(out, body)
	out[len(body)] = 0x80
	return out
}

func stripPadding(body []byte) ([]byte, error) {
	for i := len(body) - 1; i >= 0; i-- {
		switch body[i] {
		case 0x80:
			return body[:i], nil
		case 0x00:
			continue
		default:
			return nil, errors.New("relayservice: malformed message padding")
		}
	}
	return nil, errors.New("relayservice: missing padding terminator")
}
