package session

import (
	"context"
	"time"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
)

// Handle is a live connection exclusively owned by the registry
type Handle interface {
	// Close releases the connection; repeated calls must be safe
	Close() error

	// Connected reports liveness without blocking
	Connected() bool
}

// Registry defines the interface for live session bookkeeping
type Registry interface {
	// Register stores a handle and returns its unguessable session ID
	Register(kind types.SessionKind, handle Handle, label string) string

	// Lookup returns the handle for an ID of the given kind and refreshes its idle timer
	Lookup(id string, kind types.SessionKind) (Handle, error)

	// Touch refreshes the idle timer of a session
	Touch(id string)

	// Remove closes a session's handle and forgets it
	Remove(id string, kind types.SessionKind) error

	// List returns a snapshot of live sessions
	List() []types.SessionSummary
}

// Eviction describes a session leaving the registry
type Eviction struct {
	ID       string
	Kind     types.SessionKind
	Label    string
	Reason   string // removed, idle, disconnected, shutdown
	IdleFor  time.Duration
	CloseErr error
}

// Lifecycle is implemented by registries that run a background sweep
type Lifecycle interface {
	Start(ctx context.Context)
	CloseAll(ctx context.Context) error
}
