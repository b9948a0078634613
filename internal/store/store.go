package store

import (
	"errors"

	"rgbw-ctrl/internal/state"
)

// ErrNotFound is returned when a requested key has never been written.
var ErrNotFound = errors.New("not found")

// Store persists the device entities that survive a restart.
type Store interface {
	state.Persister

	LoadDeviceName() (string, error)
	LoadPeers() (state.PeerList, error)
	LoadCredentials() (state.Credentials, error)
	LoadIntegration() (state.IntegrationSettings, error)

	// Wipe erases every namespace, used by factory reset.
	Wipe() error

	Close() error
}
