package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/pmm/pmm"
	"github.com/shenjiangwei/pmm/rpc"
)

var serveListen string

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (defaults to the config's listen)")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the allocator over rpc",
		Long: `The serve command boots the allocator and exposes page and object
allocation over net/rpc until interrupted. An invariant violation halts the
allocator; the server keeps answering with an error afterwards.

Example:
  pmmctl serve --listen localhost:1234
  pmmctl serve -c boot.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	a, cfg, err := boot(cmd)
	if err != nil {
		return err
	}
	server, err := rpc.NewServer(a)
	if err != nil {
		a.Close()
		return err
	}
	addr := cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, server, listener)
}

// serve runs server on listener until ctx is done. The allocator is released
// by Shutdown under the server lock, after which open connections get errors.
func serve(ctx context.Context, server *rpc.Server, listener net.Listener) error {
	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()

	select {
	case err := <-done:
		if shutdownErr := server.Shutdown(); err == nil {
			err = shutdownErr
		}
		return err
	case <-ctx.Done():
	}
	pmm.Info("Shutting down")
	shutdownErr := server.Shutdown()
	if err := <-done; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return shutdownErr
}
