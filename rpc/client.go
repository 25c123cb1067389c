package rpc

import (
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/pmm/pmm"
)

// Client represents an allocator client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[int]int // frame -> pages
	mu        sync.Mutex
}

// NewClient creates a new allocator client
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %v", err)
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[int]int),
	}, nil
}

func (c *Client) invoke(method string, req, resp interface{}) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %v", err)
	}
	return nil
}

func serverError(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("server error: %s", msg)
}

// AllocPages allocates n pages through the server
func (c *Client) AllocPages(n int) (pmm.Frame, error) {
	resp := &AllocPagesResponse{}
	if err := c.invoke("AllocPages", &AllocPagesRequest{N: n}, resp); err != nil {
		return pmm.InvalidFrame, err
	}
	if err := serverError(resp.Error); err != nil {
		return pmm.InvalidFrame, err
	}

	c.mu.Lock()
	c.allocated[resp.Frame] = n
	c.mu.Unlock()
	return pmm.Frame(resp.Frame), nil
}

// FreePages frees pages through the server
func (c *Client) FreePages(f pmm.Frame, n int) error {
	resp := &FreePagesResponse{}
	if err := c.invoke("FreePages", &FreePagesRequest{Frame: int(f), N: n}, resp); err != nil {
		return err
	}
	if err := serverError(resp.Error); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.allocated, int(f))
	c.mu.Unlock()
	return nil
}

// Kmalloc allocates size bytes through the server
func (c *Client) Kmalloc(size int) (pmm.PhysAddr, error) {
	resp := &KmallocResponse{}
	if err := c.invoke("Kmalloc", &KmallocRequest{Size: size}, resp); err != nil {
		return pmm.NilAddr, err
	}
	if err := serverError(resp.Error); err != nil {
		return pmm.NilAddr, err
	}
	return pmm.PhysAddr(resp.Addr), nil
}

// Kfree frees an object through the server
func (c *Client) Kfree(addr pmm.PhysAddr, size int) error {
	resp := &KfreeResponse{}
	if err := c.invoke("Kfree", &KfreeRequest{Addr: uint64(addr), Size: size}, resp); err != nil {
		return err
	}
	return serverError(resp.Error)
}

// NrFreePages returns the server's free page count
func (c *Client) NrFreePages() (int, error) {
	resp := &NrFreeResponse{}
	if err := c.invoke("NrFreePages", &NrFreeRequest{}, resp); err != nil {
		return 0, err
	}
	return resp.Pages, serverError(resp.Error)
}

// Stats returns the server's allocator snapshot
func (c *Client) Stats() (pmm.Stats, error) {
	resp := &StatsResponse{}
	if err := c.invoke("Stats", &StatsRequest{}, resp); err != nil {
		return pmm.Stats{}, err
	}
	return resp.Stats, serverError(resp.Error)
}

// Outstanding returns the pages this client allocated and has not freed
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.allocated {
		total += n
	}
	return total
}

// Release frees every page block this client still holds
func (c *Client) Release() error {
	c.mu.Lock()
	blocks := make(map[int]int, len(c.allocated))
	for f, n := range c.allocated {
		blocks[f] = n
	}
	c.mu.Unlock()

	var errs []error
	for f, n := range blocks {
		if err := c.FreePages(pmm.Frame(f), n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
