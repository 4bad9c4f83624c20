// Package realtime keeps a client's view of presence, notifications and
// conversations consistent across the live channel, the REST poller and
// local optimistic sends.
package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned synchronously by Send when the live
	// channel is not in the Connected state. The caller decides whether
	// to retry; the library never retries a send on its own.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
)

// MalformedSnapshotError aborts one poll cycle's derivation. The existing
// feed is left untouched; the next cycle starts fresh.
type MalformedSnapshotError struct {
	Reason string
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed snapshot: %s", e.Reason)
}
