// Package ids generates the identifiers used across the broker: random
// time-sortable ULIDs for correlation and dispatch attempts, and the stable
// content-derived message id that makes retransmission detection possible.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// MessageID derives the delivery identity of a result message. The same
// physical transmission always hashes to the same id, so a retransmitted
// frame is recognised no matter when it arrives. Inputs are length-prefixed
// before hashing so adjacent fields cannot collide by concatenation.
func MessageID(instrumentID, nativeSequence, sampleID, determinationCode string) string {
	h := sha256.New()
	for _, part := range []string{instrumentID, nativeSequence, sampleID, determinationCode} {
		var lenBuf [4]byte
		n := len(part)
		lenBuf[0] = byte(n >> 24)
		lenBuf[1] = byte(n >> 16)
		lenBuf[2] = byte(n >> 8)
		lenBuf[3] = byte(n)
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
