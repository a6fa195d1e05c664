package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/vesper/internal/config"
	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/guest"
)

func newEngineCmd() *cobra.Command {
	var entrypoint, engineID string

	cmd := &cobra.Command{
		Use:    engine.EngineCommand,
		Short:  "Run an engine speaking the framed protocol on stdin and stdout",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Stdout carries the protocol, so logs go to stderr where the
			// host picks them up.
			level := slog.LevelInfo
			if cfg, err := config.Load(nil); err == nil {
				level = cfg.LogLevel
			}
			logger := config.NewLogger(os.Stderr, level).With(
				"engine_id", engineID,
				"entrypoint", entrypoint,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return guest.Run(ctx, stdioConn{}, entrypoint, guest.Builtins(), logger)
		},
	}
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "entrypoint to run")
	cmd.Flags().StringVar(&engineID, "engine-id", "", "engine ID assigned by the host")
	_ = cmd.MarkFlagRequired("entrypoint")
	return cmd
}

// stdioConn is the engine end of the channel on the process's stdin and
// stdout.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdioConn) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
