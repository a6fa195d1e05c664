package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
)

// EntryFunc is the body of an in-process engine. It owns conn, the engine end
// of the method channel, and should return when ctx is canceled or conn
// reaches end of stream.
type EntryFunc func(ctx context.Context, conn io.ReadWriteCloser) error

// Registry holds named in-process entrypoints.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]EntryFunc
}

// NewRegistry creates an empty entrypoint registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]EntryFunc),
	}
}

// Register adds an entrypoint under the given name, replacing any previous one.
func (r *Registry) Register(name string, fn EntryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = fn
}

// Resolve returns the entrypoint registered under name.
func (r *Registry) Resolve(name string) (EntryFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownEntrypoint)
	}
	return fn, nil
}

// Names returns the registered entrypoint names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile-time interface satisfaction check.
var _ Launcher = (*FuncLauncher)(nil)

// FuncLauncher runs engines as goroutines connected through net.Pipe.
type FuncLauncher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewFuncLauncher creates a launcher resolving entrypoints from reg.
func NewFuncLauncher(reg *Registry, logger *slog.Logger) *FuncLauncher {
	return &FuncLauncher{registry: reg, logger: logger}
}

// Start resolves spec.Entrypoint and runs it on a new goroutine.
func (l *FuncLauncher) Start(_ context.Context, spec Spec) (Handle, error) {
	fn, err := l.registry.Resolve(spec.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("resolve entrypoint: %w", err)
	}

	hostConn, engineConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	h := &funcHandle{
		id:     spec.ID,
		ch:     NewChannel(hostConn),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer engineConn.Close()
		if err := fn(ctx, engineConn); err != nil {
			l.logger.Warn("engine entrypoint returned error",
				"engine_id", spec.ID,
				"entrypoint", spec.Entrypoint,
				"error", err,
			)
		}
	}()

	return h, nil
}

type funcHandle struct {
	id     string
	ch     *Channel
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *funcHandle) ID() string            { return h.id }
func (h *funcHandle) Channel() *Channel     { return h.ch }
func (h *funcHandle) Done() <-chan struct{} { return h.done }

// Destroy cancels the entrypoint, closes the host end of the pipe and waits
// for the goroutine to return.
func (h *funcHandle) Destroy(ctx context.Context) error {
	h.cancel()
	h.ch.Close()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("destroy engine %s: %w", h.id, ctx.Err())
	}
}
