package rpc

import (
	"io"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/pmm/config"
	"github.com/shenjiangwei/pmm/pmm"
)

func TestMain(m *testing.M) {
	pmm.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func startServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()
	allocator, err := pmm.NewAllocator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { allocator.Close() })

	server, err := NewServer(allocator)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()
	t.Cleanup(func() {
		require.NoError(t, server.Close())
		require.NoError(t, <-served)
	})
	return server, listener.Addr().String()
}

func TestRPCClientServer(t *testing.T) {
	_, addr := startServer(t, config.Config{Pages: 1024, Manager: config.ManagerBuddy, SlabPages: 64})

	numClients := 5
	clients := make([]*Client, numClients)
	for i := 0; i < numClients; i++ {
		client, err := NewClient(i, addr)
		require.NoError(t, err, "client %d", i)
		clients[i] = client
		defer client.Close()
	}

	start, err := clients[0].NrFreePages()
	require.NoError(t, err)
	require.Equal(t, 960, start)

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(id int, c *Client) {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				f, err := c.AllocPages(id + 1)
				if err != nil {
					t.Errorf("Client %d allocation failed: %v", id, err)
					return
				}
				obj, err := c.Kmalloc(64 * (id + 1))
				if err != nil {
					t.Errorf("Client %d kmalloc failed: %v", id, err)
					return
				}
				if err := c.Kfree(obj, 64*(id+1)); err != nil {
					t.Errorf("Client %d kfree failed: %v", id, err)
				}
				if err := c.FreePages(f, id+1); err != nil {
					t.Errorf("Client %d free failed: %v", id, err)
				}
			}
		}(i, client)
	}
	wg.Wait()

	for _, c := range clients {
		require.Zero(t, c.Outstanding())
	}
	end, err := clients[0].NrFreePages()
	require.NoError(t, err)
	require.Equal(t, start, end)

	st, err := clients[1].Stats()
	require.NoError(t, err)
	require.Equal(t, "buddy", st.Manager)
	require.Len(t, st.Caches, pmm.SlabClassCount)
	for _, c := range st.Caches {
		require.Zero(t, c.InUse, c.Name)
	}
}

func TestClientErrors(t *testing.T) {
	_, addr := startServer(t, config.Config{Pages: 32, Manager: config.ManagerBuddy})

	client, err := NewClient(0, addr)
	require.NoError(t, err)
	defer client.Close()

	f, err := client.AllocPages(64)
	require.ErrorContains(t, err, pmm.ErrNoBlock.Error())
	require.Equal(t, pmm.InvalidFrame, f)

	_, err = client.AllocPages(0)
	require.ErrorContains(t, err, pmm.ErrInvalidSize.Error())

	_, err = client.Kmalloc(-1)
	require.ErrorContains(t, err, pmm.ErrInvalidSize.Error())

	_, err = NewClient(1, "127.0.0.1:1")
	require.Error(t, err)
}

func TestClientRelease(t *testing.T) {
	_, addr := startServer(t, config.Config{Pages: 64, Manager: config.ManagerBuddy})

	client, err := NewClient(0, addr)
	require.NoError(t, err)
	defer client.Close()

	for _, n := range []int{1, 3, 8} {
		_, err := client.AllocPages(n)
		require.NoError(t, err)
	}
	require.Equal(t, 12, client.Outstanding())

	require.NoError(t, client.Release())
	require.Zero(t, client.Outstanding())
	free, err := client.NrFreePages()
	require.NoError(t, err)
	require.Equal(t, 64, free)
}

func TestServerHaltsOnInvariantViolation(t *testing.T) {
	server, addr := startServer(t, config.Config{Pages: 32, Manager: config.ManagerBuddy})

	client, err := NewClient(0, addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, server.Halted())

	// Freeing a page that was never allocated is an invariant violation.
	err = client.FreePages(0, 1)
	require.ErrorContains(t, err, ErrHalted.Error())
	require.ErrorContains(t, err, "invariant violated")

	var inv *pmm.InvariantError
	require.ErrorAs(t, server.Halted(), &inv)

	_, err = client.AllocPages(1)
	require.ErrorContains(t, err, ErrHalted.Error())
	_, err = client.NrFreePages()
	require.ErrorContains(t, err, ErrHalted.Error())
}

func TestServerClose(t *testing.T) {
	allocator, err := pmm.NewAllocator(config.Config{Pages: 32, Manager: config.ManagerBuddy})
	require.NoError(t, err)
	defer allocator.Close()

	server, err := NewServer(allocator)
	require.NoError(t, err)
	require.Nil(t, server.Addr())
	require.NoError(t, server.Close())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.ErrorIs(t, server.Serve(listener), net.ErrClosed)
}

func TestServerShutdown(t *testing.T) {
	allocator, err := pmm.NewAllocator(config.Config{Pages: 64, Manager: config.ManagerBuddy, SlabPages: 8})
	require.NoError(t, err)

	server, err := NewServer(allocator)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	client, err := NewClient(0, listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	addr, err := client.Kmalloc(64)
	require.NoError(t, err)

	require.NoError(t, server.Shutdown())
	require.NoError(t, <-served)
	require.Zero(t, allocator.Mem().Size(), "arena released")

	// The open connection is still served but the allocator is gone.
	err = client.Kfree(addr, 64)
	require.ErrorContains(t, err, ErrShutdown.Error())
	_, err = client.NrFreePages()
	require.ErrorContains(t, err, ErrShutdown.Error())

	require.NoError(t, server.Shutdown())
	require.NoError(t, server.Close())
}
