package realtime

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewConnID returns a ULID used as connection id. Ids minted in the same
// millisecond stay strictly increasing, so they sort in accept order.
func NewConnID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	idMu.Lock()
	defer idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), idEntropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond; fall back to fresh randomness.
		return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	}
	return id.String()
}
