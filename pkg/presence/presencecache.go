// Package presence records when each device was last heard from.
package presence

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no presence entry.
var ErrNotFound = errors.New("not found in presence cache")

// PresenceCache holds ephemeral, real-time state such as a device's last-seen
// record. There is no source of truth to fall back on, so entries are written
// and removed explicitly.
type PresenceCache[K comparable, V any] interface {
	// Set explicitly stores a value for a key.
	Set(ctx context.Context, key K, value V) error
	// Fetch retrieves a value by its key. A miss wraps ErrNotFound.
	Fetch(ctx context.Context, key K) (V, error)
	// Delete explicitly removes a key.
	Delete(ctx context.Context, key K) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
