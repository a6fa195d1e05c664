package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// EngineCommand is the subcommand the child binary runs as an engine.
	EngineCommand = "engine"

	// defaultGracePeriod is the time a child gets to exit after its channel
	// closes before it is killed.
	defaultGracePeriod = 3 * time.Second
)

// Compile-time interface satisfaction check.
var _ Launcher = (*ProcessLauncher)(nil)

// ProcessLauncher runs each engine as a child process speaking the framed
// protocol on its stdin and stdout. The child's stderr is forwarded to the
// logger line by line.
type ProcessLauncher struct {
	binary      string
	args        []string
	gracePeriod time.Duration
	logger      *slog.Logger
}

// NewProcessLauncher creates a launcher that starts binary with
// "engine --entrypoint <name> --engine-id <id>" appended to args.
func NewProcessLauncher(binary string, args []string, logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		binary:      binary,
		args:        args,
		gracePeriod: defaultGracePeriod,
		logger:      logger,
	}
}

// SetGracePeriod overrides the time allowed for a graceful exit.
func (l *ProcessLauncher) SetGracePeriod(d time.Duration) {
	if d > 0 {
		l.gracePeriod = d
	}
}

// Start launches the child process. It returns once the process is running.
func (l *ProcessLauncher) Start(_ context.Context, spec Spec) (Handle, error) {
	args := append([]string{}, l.args...)
	args = append(args, EngineCommand, "--entrypoint", spec.Entrypoint, "--engine-id", spec.ID)

	// The engine outlives the Begin call, so it is not bound to the caller's context.
	cmd := exec.Command(l.binary, args...)
	cmd.Env = append(os.Environ(), "VESPER_ENGINE_TRACK="+spec.Track.String())

	// Pipes are created by hand so that reads never race with cmd.Wait.
	childStdin, hostWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	hostReader, childStdout, err := os.Pipe()
	if err != nil {
		childStdin.Close()
		hostWriter.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(childStdin, hostWriter, hostReader, childStdout)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout

	if err := cmd.Start(); err != nil {
		closeAll(childStdin, hostWriter, hostReader, childStdout)
		return nil, fmt.Errorf("start %s: %w", l.binary, err)
	}
	closeAll(childStdin, childStdout)

	h := &processHandle{
		id:          spec.ID,
		cmd:         cmd,
		ch:          NewChannel(&pipeConn{Reader: hostReader, Writer: hostWriter, closers: []io.Closer{hostWriter, hostReader}}),
		gracePeriod: l.gracePeriod,
		done:        make(chan struct{}),
	}

	var stderrDone sync.WaitGroup
	stderrDone.Go(func() {
		l.streamStderr(spec, stderr)
	})

	go func() {
		stderrDone.Wait()
		waitErr := cmd.Wait()
		close(h.done)
		h.ch.Close()
		l.logger.Debug("engine process exited",
			"engine_id", spec.ID,
			"pid", cmd.Process.Pid,
			"error", waitErr,
		)
	}()

	l.logger.Debug("engine process started",
		"engine_id", spec.ID,
		"entrypoint", spec.Entrypoint,
		"pid", cmd.Process.Pid,
	)
	return h, nil
}

// streamStderr forwards the child's stderr to the logger, one record per line.
func (l *ProcessLauncher) streamStderr(spec Spec, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l.logger.Info("engine output",
			"engine_id", spec.ID,
			"track", spec.Track.String(),
			"line", scanner.Text(),
		)
	}
}

type processHandle struct {
	id          string
	cmd         *exec.Cmd
	ch          *Channel
	gracePeriod time.Duration
	done        chan struct{}

	destroyOnce sync.Once
}

func (h *processHandle) ID() string            { return h.id }
func (h *processHandle) Channel() *Channel     { return h.ch }
func (h *processHandle) Done() <-chan struct{} { return h.done }

// Destroy closes the channel, which signals end of input to the child, and
// kills the child if it has not exited within the grace period.
func (h *processHandle) Destroy(ctx context.Context) error {
	h.destroyOnce.Do(func() {
		h.ch.Close()

		timer := time.NewTimer(h.gracePeriod)
		defer timer.Stop()

		select {
		case <-h.done:
		case <-timer.C:
			h.kill()
		case <-ctx.Done():
			h.kill()
		}
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("destroy engine %s: %w", h.id, ctx.Err())
	}
}

// kill ignores the error: the process may have exited on its own meanwhile.
func (h *processHandle) kill() {
	_ = h.cmd.Process.Kill()
}

// pipeConn joins the host ends of the child's stdout and stdin.
type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeConn) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
