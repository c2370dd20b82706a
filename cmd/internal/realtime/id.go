package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a 26-char ULID; sortable ids read well in logs.
func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// NewConnectionID returns the id of a websocket connection handle.
func NewConnectionID(now time.Time) string { return newULID(now) }

// NewEnvelopeID returns a server envelope id.
func NewEnvelopeID(now time.Time) string { return newULID(now) }

// NewInstanceID returns the id of this server process inside a cluster.
func NewInstanceID(now time.Time) string { return newULID(now) }
