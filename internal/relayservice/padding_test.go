package relayservice

import (
	"bytes"
	"testing"
)

func TestPaddingRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 78, 79, 80, 81, 159, 160, 4096} {
		body := bytes.Repeat([]byte{0xAB}, size)
		padded := padMessage(body)
		if len(padded)%paddingBlockSize != 0 {
			t.Errorf("size %d: padded length %d not a multiple of %d", size, len(padded), paddingBlockSize)
		}
		if len(padded) <= size {
			t.Errorf("size %d: padding added no terminator", size)
		}
		got, err := stripPadding(padded)
		if err != nil {
			t.Fatalf("size %d: strip: %v", size, err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestStripPaddingMalformed(t *testing.T) {
	// Trailing garbage after the zero run.
	if _, err := stripPadding([]byte{0x01, 0x02, 0x00, 0x07}); err == nil {
		t.Error("expected error for garbage padding")
	}
	// No terminator at all.
	if _, err := stripPadding(bytes.Repeat([]byte{0x00}, 80)); err == nil {
		t.Error("expected error for missing terminator")
	}
	if _, err := stripPadding(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestPaddingHidesLength(t *testing.T) {
	a := padMessage(bytes.Repeat([]byte{1}, 10))
	b := padMessage(bytes.Repeat([]byte{1}, 70))
	if len(a) != len(b) {
		t.Errorf("10 and 70 byte bodies should pad to the same block: %d vs %d", len(a), len(b))
	}
}
