package engine

import (
	"context"
	"errors"

	"github.com/seantiz/vesper/internal/model"
)

// ErrUnknownEntrypoint is returned when no entrypoint is registered under the
// requested name.
var ErrUnknownEntrypoint = errors.New("unknown entrypoint")

// Launcher is the interface that all engine launchers must implement.
type Launcher interface {
	// Start launches an engine running spec.Entrypoint and returns its
	// handle once the engine is running. Start does not wait for the work
	// inside the engine to finish.
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle owns one running engine.
type Handle interface {
	// ID returns the engine identifier assigned at start.
	ID() string

	// Channel returns the host end of the engine's method channel.
	Channel() *Channel

	// Done is closed once the engine has exited, for any reason.
	Done() <-chan struct{}

	// Destroy releases the engine and everything it holds. It is safe to
	// call more than once; later calls wait for the first to finish.
	Destroy(ctx context.Context) error
}

// Spec describes an engine to be started.
type Spec struct {
	ID         string      `json:"id"`
	Track      model.Track `json:"track"`
	Entrypoint string      `json:"entrypoint"`
}
