package relayservice

import (
	"crypto/sha256"
	"encoding/binary"
)

// dedupCapacity bounds the envelope seen-set. The server redelivers until an
// ACK lands, so duplicates cluster near the head of the queue; a bounded
// FIFO window is enough to absorb redelivery bursts without growing forever.
const dedupCapacity = 512

type dedupKey [sha256.Size]byte

// dedupSet is a fixed-capacity FIFO set of envelope fingerprints. Not safe
// for concurrent use; the receiver owns it from a single goroutine.
type dedupSet struct {
	seen  map[dedupKey]struct{}
	order []dedupKey
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[dedupKey]struct{}, dedupCapacity)}
}

// fingerprint identifies an envelope by sender, device, timestamp, and a
// digest of its content.
func envelopeFingerprint(env *Envelope) dedupKey {
	h := sha256.New()
	h.Write([]byte(env.Source))
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], env.SourceDevice)
	h.Write(b[:4])
	binary.BigEndian.PutUint64(b[:], env.Timestamp)
	h.Write(b[:])
	sum := sha256.Sum256(env.Content)
	h.Write(sum[:])

	var key dedupKey
	copy(key[:], h.Sum(nil))
	return key
}

// observe records the envelope and reports whether it was already seen.
func (d *dedupSet) observe(env *Envelope) bool {
	key := envelopeFingerprint(env)
	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.order) == dedupCapacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}
