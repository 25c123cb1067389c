package main

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/pmm/config"
	"github.com/shenjiangwei/pmm/pmm"
	"github.com/shenjiangwei/pmm/rpc"
)

func TestServe(t *testing.T) {
	a, err := pmm.NewAllocator(config.Config{Pages: 64, Manager: config.ManagerBuddy, SlabPages: 8})
	require.NoError(t, err)
	server, err := rpc.NewServer(a)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, listener) }()

	client, err := rpc.NewClient(0, listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Kmalloc(128)
	require.NoError(t, err)
	free, err := client.NrFreePages()
	require.NoError(t, err)
	require.Equal(t, 56, free)

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, a.Mem().Size(), "arena released on shutdown")

	_, err = client.Kmalloc(128)
	require.ErrorContains(t, err, rpc.ErrShutdown.Error())
}

func TestServeCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runContext(t, ctx, "serve", "--listen", "127.0.0.1:0", "--pages", "64", "--slab-pages", "8", "--log-level", "none")
	require.NoError(t, err)

	_, err = run(t, "serve", "--listen", "256.0.0.1:1", "--pages", "64", "--slab-pages", "8", "--log-level", "none")
	require.ErrorContains(t, err, "failed to listen")
}
