package source

import (
	"errors"
	"image"
)

// Provider is a handle onto the shared-texture namespace: it enumerates the
// frame senders currently publishing, attaches to one of them by name, and
// pulls its latest frame into a caller-owned buffer.
//
// A Provider is owned by a single goroutine for its entire lifetime. The
// bridge worker opens one at loop entry and closes it on every exit path;
// discovery-only callers open a separate short-lived Provider instead of
// sharing a running worker's handle.
type Provider interface {
	// List enumerates the names of all currently available senders.
	List() ([]string, error)

	// Attach binds the provider to the sender with the given name.
	// Attaching to a new name replaces any previous attachment.
	Attach(name string) error

	// Size returns the attached sender's current frame geometry.
	// Returns (0, 0) when not attached or when the sender has not yet
	// reported usable geometry.
	Size() (width, height int)

	// Receive pulls the sender's latest frame into buf, which must be sized
	// to the sender's current geometry. Returns false when no frame could be
	// read (sender gone, geometry mismatch, transient failure).
	Receive(buf *image.RGBA) bool

	// Close releases the provider and any attachment.
	Close() error
}

// Opener creates a Provider. The bridge engine calls it once per worker run;
// a failure here is fatal for the run (context init error).
type Opener func() (Provider, error)

// ErrSenderNotFound is returned by Attach when no sender has the given name.
var ErrSenderNotFound = errors.New("sender not found")
