// Package store persists the receive queue: packets delivered to this node
// that the app bridge has not yet drained.
package store

import (
	"errors"

	"meshnode/internal/mesh"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the receive queue.
type Store interface {
	// PushReceived appends a packet to the queue.
	PushReceived(p *mesh.MeshPacket) error

	// PopReceived removes and returns the oldest queued packet.
	// Returns ErrNotFound when the queue is empty.
	PopReceived() (*mesh.MeshPacket, error)

	// PeekReceived returns up to limit queued packets, oldest first,
	// without removing them.
	PeekReceived(limit int) ([]*mesh.MeshPacket, error)

	// ReceivedCount returns the queue depth.
	ReceivedCount() (int, error)

	// Close the store.
	Close() error
}
