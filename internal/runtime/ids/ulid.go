package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewDeliveryToken returns a time-sortable ULID identifying one delivery of
// a message to a subscriber. Tokens are strictly increasing within a process.
func NewDeliveryToken() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsDeliveryToken reports whether s has the shape of a delivery token.
func IsDeliveryToken(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
