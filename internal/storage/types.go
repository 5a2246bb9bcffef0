package storage

import (
	"errors"
	"time"

	"pogobot/internal/subscriber"
	"pogobot/internal/tracker"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": journal + snapshot files next to Path
//
// If Driver is empty or "none", storage is disabled. "sqlite3" is an
// alias for "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a persistent tracker that may also hold the subscriber set.
type Store interface {
	tracker.Tracker
	// Subscribers returns the repositories kept by this backend.
	// ok is false when the backend does not store subscribers.
	Subscribers() (repos subscriber.Repositories, ok bool)
	Close() error
}
