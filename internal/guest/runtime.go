// Package guest is the engine-side runtime. It resolves which callback an
// entrypoint should run, exposes the engine channel methods to that callback,
// and keeps the engine alive until the host tears it down.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/model"
	"github.com/seantiz/vesper/internal/protocol"
)

// ErrNoHandle is returned when no callback handle has been configured for
// the running entrypoint.
var ErrNoHandle = errors.New("no callback handle configured")

// Runtime is the engine end of a method channel.
type Runtime struct {
	ch         *engine.Channel
	entrypoint string
	logger     *slog.Logger

	mu     sync.Mutex
	onData func(json.RawMessage)

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRuntime wraps conn. Serve must be running for calls to complete.
func NewRuntime(conn io.ReadWriteCloser, entrypoint string, logger *slog.Logger) *Runtime {
	return &Runtime{
		ch:         engine.NewChannel(conn),
		entrypoint: entrypoint,
		logger:     logger,
		stopped:    make(chan struct{}),
	}
}

// Entrypoint returns the entrypoint this engine was started with.
func (r *Runtime) Entrypoint() string {
	return r.entrypoint
}

// Serve runs the channel read loop until the host closes the channel.
func (r *Runtime) Serve(ctx context.Context) error {
	defer r.stop()
	return r.ch.Serve(ctx, r.handle)
}

func (r *Runtime) handle(_ context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodOnReceiveData:
		r.mu.Lock()
		fn := r.onData
		r.mu.Unlock()
		if fn != nil {
			fn(args)
		}
		return nil, nil
	case protocol.MethodStop:
		r.stop()
		return nil, nil
	default:
		return nil, fmt.Errorf("%q: %w", method, protocol.ErrUnknownMethod)
	}
}

func (r *Runtime) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// Stopped is closed when the host requests a stop or closes the channel.
func (r *Runtime) Stopped() <-chan struct{} {
	return r.stopped
}

// OnData sets the function receiving onReceiveData payloads.
func (r *Runtime) OnData(fn func(json.RawMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData = fn
}

// ForegroundHandle returns the persisted foreground callback handle.
func (r *Runtime) ForegroundHandle(ctx context.Context) (int64, error) {
	return r.handleFor(ctx, protocol.MethodGetForegroundHandler)
}

// BackgroundHandle returns the persisted background callback handle.
func (r *Runtime) BackgroundHandle(ctx context.Context) (int64, error) {
	return r.handleFor(ctx, protocol.MethodGetBackgroundHandler)
}

func (r *Runtime) handleFor(ctx context.Context, method string) (int64, error) {
	raw, err := r.ch.Call(ctx, method, nil)
	if err != nil {
		return 0, err
	}
	var id *int64
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &id); err != nil {
			return 0, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	if id == nil {
		return 0, ErrNoHandle
	}
	return *id, nil
}

// SetBackgroundFetchResult reports the result of the work this engine was
// started for.
func (r *Runtime) SetBackgroundFetchResult(succeeded bool) error {
	return r.ch.Invoke(protocol.MethodSetBackgroundFetchResult, succeeded)
}

// SendData delivers payload to the application's main channel.
func (r *Runtime) SendData(payload any) error {
	return r.ch.Invoke(protocol.MethodSendData, payload)
}

// StopService asks the host to stop the foreground service.
func (r *Runtime) StopService() error {
	return r.ch.Invoke(protocol.MethodStopService, nil)
}

// Run serves conn, resolves the callback configured for entrypoint and runs
// it. After the callback returns the engine stays up until the host stops it,
// so the host always owns teardown.
func Run(ctx context.Context, conn io.ReadWriteCloser, entrypoint string, callbacks *Callbacks, logger *slog.Logger) error {
	rt := NewRuntime(conn, entrypoint, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rt.Serve(ctx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-rt.Stopped():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := runCallback(runCtx, rt, callbacks); err != nil {
		logger.Error("engine callback failed", "entrypoint", entrypoint, "error", err)
	}

	select {
	case <-rt.Stopped():
	case <-ctx.Done():
		rt.ch.Close()
	}
	return <-serveErr
}

func runCallback(ctx context.Context, rt *Runtime, callbacks *Callbacks) error {
	var (
		handle int64
		err    error
	)
	switch rt.entrypoint {
	case model.EntrypointForeground:
		handle, err = rt.ForegroundHandle(ctx)
	case model.EntrypointBackground:
		handle, err = rt.BackgroundHandle(ctx)
	default:
		return fmt.Errorf("%q: %w", rt.entrypoint, engine.ErrUnknownEntrypoint)
	}
	if err != nil {
		return fmt.Errorf("resolve callback handle: %w", err)
	}

	cb, ok := callbacks.Lookup(handle)
	if !ok {
		return fmt.Errorf("callback handle %d is not registered", handle)
	}
	return cb(ctx, rt)
}

// RegisterEntrypoints registers both track entrypoints on reg so that a
// FuncLauncher runs them in-process against callbacks.
func RegisterEntrypoints(reg *engine.Registry, callbacks *Callbacks, logger *slog.Logger) {
	for _, name := range []string{model.EntrypointForeground, model.EntrypointBackground} {
		reg.Register(name, func(ctx context.Context, conn io.ReadWriteCloser) error {
			return Run(ctx, conn, name, callbacks, logger)
		})
	}
}
