package registry

import (
	"context"
	"errors"
)

var (
	// ErrNoNode is returned by a Store when the requested node does not exist.
	ErrNoNode = errors.New("registry: node does not exist")
	// ErrNotConnected is returned by a Store used before Connect or after Close.
	ErrNotConnected = errors.New("registry: store not connected")
)

// Store is the hierarchical coordination store the registry is built on.
//
// Nodes created through CreateEphemeralSequential belong to the store's
// session and disappear when the session ends, either by Close or because
// the session expired.
type Store interface {
	// Connect blocks until the session is established.
	Connect(ctx context.Context) error
	// Close ends the session, removing every ephemeral node it owns.
	Close() error
	// EnsurePath creates path as a persistent node if it is missing.
	EnsurePath(ctx context.Context, path string) error
	// CreateEphemeralSequential creates prefix<seq> and returns its path.
	// seq is a zero padded ten digit counter kept per parent.
	CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (string, error)
	// Get returns the data of path, or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)
	// Children returns the sorted names of the direct children of path and
	// a channel that is closed once, on the next change of that child set.
	Children(ctx context.Context, path string) ([]string, <-chan struct{}, error)
	// Expired is closed when the session is lost without Close being called.
	Expired() <-chan struct{}
}
