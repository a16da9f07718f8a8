package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"coe/internal/app"
	"coe/pkg/protocol"
)

// serveConfig holds flags for the serve command.
type serveConfig struct {
	socket  string
	ws      string
	mode    string
	noStdio bool
}

// newServeCmd creates the "coe serve" subcommand.
func newServeCmd() *cobra.Command {
	var sc serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-RPC on stdin/stdout",
		Long: "Serves the orchestrator's JSON-RPC methods on stdin/stdout, one message per line.\n" +
			"--socket and --ws add a Unix socket and a WebSocket listener.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if sc.socket != "" {
				cfg.Listen.Socket = sc.socket
			}
			if sc.ws != "" {
				cfg.Listen.WebSocket = sc.ws
			}
			if sc.mode != "" {
				m, err := protocol.ParseMode(sc.mode)
				if err != nil {
					return err
				}
				cfg.Mode = m
			}
			if sc.noStdio && cfg.Listen.Socket == "" && cfg.Listen.WebSocket == "" {
				return fmt.Errorf("--no-stdio needs --socket or --ws")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var in io.Reader = cmd.InOrStdin()
			if sc.noStdio {
				in = nil
			} else if isatty.IsTerminal(os.Stdin.Fd()) && in == os.Stdin {
				fmt.Fprintln(cmd.ErrOrStderr(), "coe: reading JSON-RPC from a terminal; a tool client normally drives this")
			}

			logger.Info("coe serving", "db", cfg.Store.Path, "mode", cfg.Mode)
			return a.Serve(ctx, in, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&sc.socket, "socket", "", "also listen on this Unix socket path")
	cmd.Flags().StringVar(&sc.ws, "ws", "", "also serve WebSocket on this address (e.g. 127.0.0.1:7777)")
	cmd.Flags().StringVar(&sc.mode, "mode", "", "override the start-up mode (auto or manual)")
	cmd.Flags().BoolVar(&sc.noStdio, "no-stdio", false, "do not read stdin; serve only the listeners")

	return cmd
}
