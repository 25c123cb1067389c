// Package rpc serves a physical memory allocator over net/rpc.
package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/pmm/pmm"
)

// ServiceName is the name the allocator is registered under
const ServiceName = "PMM"

// Error definitions
var (
	// ErrHalted is returned once the allocator hit an invariant violation
	ErrHalted = errors.New("rpc: allocator halted")
	// ErrShutdown is returned once Shutdown released the allocator
	ErrShutdown = errors.New("rpc: server shut down")
)

// Server represents the allocator server
type Server struct {
	allocator *pmm.Allocator
	rpcs      *rpc.Server
	mu        sync.Mutex
	halted    error
	listener  net.Listener
	closed    bool
	down      bool
}

// AllocPagesRequest represents a page allocation request
type AllocPagesRequest struct {
	N int
}

// AllocPagesResponse represents a page allocation response
type AllocPagesResponse struct {
	Frame int
	Error string
}

// FreePagesRequest represents a page free request
type FreePagesRequest struct {
	Frame int
	N     int
}

// FreePagesResponse represents a page free response
type FreePagesResponse struct {
	Error string
}

// KmallocRequest represents an object allocation request
type KmallocRequest struct {
	Size int
}

// KmallocResponse represents an object allocation response
type KmallocResponse struct {
	Addr  uint64
	Error string
}

// KfreeRequest represents an object free request
type KfreeRequest struct {
	Addr uint64
	Size int
}

// KfreeResponse represents an object free response
type KfreeResponse struct {
	Error string
}

// NrFreeRequest asks for the free page count
type NrFreeRequest struct{}

// NrFreeResponse carries the free page count
type NrFreeResponse struct {
	Pages int
	Error string
}

// StatsRequest asks for an allocator snapshot
type StatsRequest struct{}

// StatsResponse carries an allocator snapshot
type StatsResponse struct {
	Stats pmm.Stats
	Error string
}

// NewServer creates a new allocator server
func NewServer(allocator *pmm.Allocator) (*Server, error) {
	server := &Server{
		allocator: allocator,
		rpcs:      rpc.NewServer(),
	}
	if err := server.rpcs.RegisterName(ServiceName, &service{server}); err != nil {
		return nil, fmt.Errorf("failed to register service: %v", err)
	}
	return server, nil
}

// Start listens on address and serves until Close
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %v", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	pmm.Info("Server listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			pmm.Error("Failed to accept connection: %v", err)
			continue
		}
		go s.rpcs.ServeConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Halted returns the invariant violation that stopped the allocator, if any
func (s *Server) Halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Close stops accepting connections
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and releases the allocator. Calls
// still arriving on open connections return ErrShutdown.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil
	}
	s.closed = true
	s.down = true

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := s.allocator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release allocator: %v", err))
	}
	pmm.Info("Server shut down")
	return errors.Join(errs...)
}

// call runs fn with the allocator serialized. An invariant violation halts
// the server instead of crashing the process.
func (s *Server) call(fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrShutdown
	}
	if s.halted != nil {
		return ErrHalted
	}
	defer func() {
		if r := recover(); r != nil {
			var inv *pmm.InvariantError
			if e, ok := r.(error); ok && errors.As(e, &inv) {
				s.halted = inv
				pmm.Error("Allocator halted: %v", inv)
				err = fmt.Errorf("%w: %v", ErrHalted, inv)
				return
			}
			panic(r)
		}
	}()
	return fn()
}

// service holds the methods exported over rpc
type service struct {
	s *Server
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (v *service) AllocPages(req *AllocPagesRequest, resp *AllocPagesResponse) error {
	resp.Frame = int(pmm.InvalidFrame)
	err := v.s.call(func() error {
		f, err := v.s.allocator.AllocPages(req.N)
		if err != nil {
			return err
		}
		resp.Frame = int(f)
		return nil
	})
	resp.Error = errString(err)
	return nil
}

func (v *service) FreePages(req *FreePagesRequest, resp *FreePagesResponse) error {
	err := v.s.call(func() error {
		v.s.allocator.FreePages(pmm.Frame(req.Frame), req.N)
		return nil
	})
	resp.Error = errString(err)
	return nil
}

func (v *service) Kmalloc(req *KmallocRequest, resp *KmallocResponse) error {
	resp.Addr = uint64(pmm.NilAddr)
	err := v.s.call(func() error {
		addr, err := v.s.allocator.Kmalloc(req.Size)
		if err != nil {
			return err
		}
		resp.Addr = uint64(addr)
		return nil
	})
	resp.Error = errString(err)
	return nil
}

func (v *service) Kfree(req *KfreeRequest, resp *KfreeResponse) error {
	err := v.s.call(func() error {
		return v.s.allocator.Kfree(pmm.PhysAddr(req.Addr), req.Size)
	})
	resp.Error = errString(err)
	return nil
}

func (v *service) NrFreePages(req *NrFreeRequest, resp *NrFreeResponse) error {
	err := v.s.call(func() error {
		resp.Pages = v.s.allocator.NrFreePages()
		return nil
	})
	resp.Error = errString(err)
	return nil
}

func (v *service) Stats(req *StatsRequest, resp *StatsResponse) error {
	err := v.s.call(func() error {
		resp.Stats = v.s.allocator.Stats()
		return nil
	})
	resp.Error = errString(err)
	return nil
}
